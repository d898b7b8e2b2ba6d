package contacts

import (
	"reflect"
	"strings"
	"testing"
)

const addressBook = "BEGIN:VCARD\r\n" +
	"VERSION:4.0\r\n" +
	"UID:urn:uuid:11111111-1111-1111-1111-111111111111\r\n" +
	"FN:Alice Example\r\n" +
	"EMAIL;PREF=1:alice@example.com\r\n" +
	"EMAIL:alice@home.example\r\n" +
	"CATEGORIES:Team,Book Club\r\n" +
	"END:VCARD\r\n" +
	"BEGIN:VCARD\r\n" +
	"VERSION:4.0\r\n" +
	"UID:urn:uuid:22222222-2222-2222-2222-222222222222\r\n" +
	"FN:Bob Example\r\n" +
	"EMAIL:bob@example.com\r\n" +
	"CATEGORIES:Team\r\n" +
	"END:VCARD\r\n" +
	"BEGIN:VCARD\r\n" +
	"VERSION:4.0\r\n" +
	"FN:No Email\r\n" +
	"CATEGORIES:Team\r\n" +
	"END:VCARD\r\n" +
	"BEGIN:VCARD\r\n" +
	"VERSION:4.0\r\n" +
	"KIND:group\r\n" +
	"FN:Ops\r\n" +
	"MEMBER:urn:uuid:22222222-2222-2222-2222-222222222222\r\n" +
	"MEMBER:mailto:pager@example.com\r\n" +
	"MEMBER:MAILTO:PAGER@example.com\r\n" +
	"MEMBER:urn:uuid:99999999-9999-9999-9999-999999999999\r\n" +
	"END:VCARD\r\n"

func TestImportGroups(t *testing.T) {
	got, err := ImportGroups(strings.NewReader(addressBook))
	if err != nil {
		t.Fatalf("ImportGroups: %v", err)
	}

	want := map[string][]string{
		"Team":      {"alice@example.com", "bob@example.com"},
		"Book Club": {"alice@example.com"},
		"Ops":       {"bob@example.com", "pager@example.com"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ImportGroups =\n%v\nwant\n%v", got, want)
	}
}

func TestImportGroups_EmptyGroupKept(t *testing.T) {
	in := "BEGIN:VCARD\r\nVERSION:4.0\r\nKIND:group\r\nFN:Empty\r\nEND:VCARD\r\n"
	got, err := ImportGroups(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ImportGroups: %v", err)
	}
	if members, ok := got["Empty"]; !ok || len(members) != 0 {
		t.Errorf("got %v, want an empty Empty group", got)
	}
}

func TestImportGroups_Empty(t *testing.T) {
	got, err := ImportGroups(strings.NewReader(""))
	if err != nil {
		t.Fatalf("ImportGroups: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %v", got)
	}
}

func TestImportGroups_Malformed(t *testing.T) {
	if _, err := ImportGroups(strings.NewReader("BEGIN:VCARD\r\nthis is not a property\r\n")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestNormalizeUID(t *testing.T) {
	for in, want := range map[string]string{
		"urn:uuid:ABC":  "abc",
		"URN:UUID:abc ": "abc",
		"plain-id":      "plain-id",
	} {
		if got := normalizeUID(in); got != want {
			t.Errorf("normalizeUID(%q) = %q, want %q", in, got, want)
		}
	}
}
