package feedpoll

import (
	"testing"
)

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:dc="http://purl.org/dc/elements/1.1/">
<channel>
  <title>State Building Code Register</title>
  <link>https://register.example.gov</link>
  <item>
    <guid>reg-2024-017</guid>
    <title>Adoption of 2024 electrical code amendments</title>
    <link>https://register.example.gov/notices/2024-017</link>
    <description>&lt;p&gt;Effective &lt;b&gt;July 1&lt;/b&gt;.&lt;/p&gt;</description>
    <pubDate>Mon, 03 Jun 2024 09:00:00 -0500</pubDate>
    <dc:creator>Code Board</dc:creator>
  </item>
  <item>
    <title>Public hearing on energy code</title>
    <link>https://register.example.gov/notices/2024-018</link>
    <pubDate>Tue, 04 Jun 2024 09:00:00 -0500</pubDate>
  </item>
</channel>
</rss>`

const sampleAtom = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>County Regulatory Updates</title>
  <link rel="alternate" href="https://county.example.gov/updates"/>
  <entry>
    <id>urn:uuid:aa-01</id>
    <title>Floodplain ordinance revision</title>
    <link rel="alternate" href="https://county.example.gov/updates/aa-01"/>
    <summary>Revised map adopted.</summary>
    <published>2024-06-05T10:00:00Z</published>
    <author><name>Clerk</name></author>
  </entry>
</feed>`

func TestParse_RSS(t *testing.T) {
	// WHAT: RSS 2.0 parses into entries; dc:creator fills the author and a
	// missing guid falls back to the link.
	// WHY: Government registers publish bare-bones RSS; the fallbacks keep
	// identity stable anyway.
	f, err := Parse([]byte(sampleRSS))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Title != "State Building Code Register" {
		t.Errorf("title = %q", f.Title)
	}
	if len(f.Entries) != 2 {
		t.Fatalf("got %d entries", len(f.Entries))
	}

	e0 := f.Entries[0]
	if e0.GUID != "reg-2024-017" || e0.Author != "Code Board" {
		t.Errorf("entry 0 = %+v", e0)
	}
	if e1 := f.Entries[1]; e1.GUID != "https://register.example.gov/notices/2024-018" {
		t.Errorf("guid fallback = %q", e1.GUID)
	}
}

func TestParse_Atom(t *testing.T) {
	// WHAT: Atom 1.0 parses with id, alternate link, summary, and author.
	f, err := Parse([]byte(sampleAtom))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(f.Entries) != 1 {
		t.Fatalf("got %d entries", len(f.Entries))
	}
	e := f.Entries[0]
	if e.GUID != "urn:uuid:aa-01" || e.Link != "https://county.example.gov/updates/aa-01" || e.Author != "Clerk" {
		t.Errorf("entry = %+v", e)
	}
}

func TestParse_UnknownFormat(t *testing.T) {
	// WHAT: Non-feed documents fail to parse.
	// WHY: The caller treats a parse failure as a permanent schema problem.
	for _, doc := range []string{"", "<html><body>hi</body></html>", "not xml at all"} {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("doc %q parsed unexpectedly", doc)
		}
	}
}

func TestPublishedTime_Formats(t *testing.T) {
	// WHAT: Publish dates parse across the formats feeds actually use;
	// garbage yields the zero time.
	cases := map[string]bool{
		"Mon, 03 Jun 2024 09:00:00 -0500": true,
		"2024-06-03T09:00:00Z":            true,
		"2024-06-03":                      true,
		"yesterday-ish":                   false,
		"":                                false,
	}
	for in, ok := range cases {
		e := Entry{Published: in}
		if got := !e.PublishedTime().IsZero(); got != ok {
			t.Errorf("PublishedTime(%q) parsed=%v, want %v", in, got, ok)
		}
	}
}
