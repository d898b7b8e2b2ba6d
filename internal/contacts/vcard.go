// Package contacts imports recipient groups from vCard address books.
//
// Two group shapes are understood. RFC 6350 group cards (KIND:group)
// list their members with MEMBER properties, either as mailto: URIs or
// as urn:uuid references to other cards in the same file. Address books
// that predate KIND (Apple Contacts, older Outlook exports) tag
// individual cards with CATEGORIES instead; every category becomes a
// group of the cards carrying it.
package contacts

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-vcard"
)

// ImportGroups reads every card from r and returns recipient groups
// keyed by group name. Each card contributes its preferred email.
// Members are de-duplicated within a group, first occurrence wins.
func ImportGroups(r io.Reader) (map[string][]string, error) {
	cards, err := decodeAll(r)
	if err != nil {
		return nil, err
	}

	byUID := make(map[string]vcard.Card)
	for _, c := range cards {
		if uid := c.Value(vcard.FieldUID); uid != "" {
			byUID[normalizeUID(uid)] = c
		}
	}

	b := newBuilder()
	for _, c := range cards {
		if c.Kind() == vcard.KindGroup {
			name := strings.TrimSpace(c.PreferredValue(vcard.FieldFormattedName))
			if name == "" {
				continue
			}
			b.ensure(name)
			for _, m := range c.Values(vcard.FieldMember) {
				if addr := resolveMember(m, byUID); addr != "" {
					b.add(name, addr)
				}
			}
			continue
		}

		addr := strings.TrimSpace(c.PreferredValue(vcard.FieldEmail))
		if addr == "" {
			continue
		}
		for _, cat := range c.Categories() {
			if cat = strings.TrimSpace(cat); cat != "" {
				b.add(cat, addr)
			}
		}
	}
	return b.groups, nil
}

func decodeAll(r io.Reader) ([]vcard.Card, error) {
	dec := vcard.NewDecoder(r)
	var cards []vcard.Card
	for {
		c, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return cards, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode vcard %d: %w", len(cards)+1, err)
		}
		cards = append(cards, c)
	}
}

// resolveMember turns a MEMBER value into an address.
func resolveMember(v string, byUID map[string]vcard.Card) string {
	v = strings.TrimSpace(v)
	if addr, ok := cutPrefixFold(v, "mailto:"); ok {
		return addr
	}
	if c, ok := byUID[normalizeUID(v)]; ok {
		return strings.TrimSpace(c.PreferredValue(vcard.FieldEmail))
	}
	return ""
}

// normalizeUID strips a urn:uuid: prefix and lowercases.
func normalizeUID(s string) string {
	s = strings.TrimSpace(s)
	if rest, ok := cutPrefixFold(s, "urn:uuid:"); ok {
		s = rest
	}
	return strings.ToLower(s)
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return s, false
}

type builder struct {
	groups map[string][]string
	seen   map[string]map[string]bool
}

func newBuilder() *builder {
	return &builder{groups: map[string][]string{}, seen: map[string]map[string]bool{}}
}

func (b *builder) ensure(name string) {
	if _, ok := b.groups[name]; !ok {
		b.groups[name] = []string{}
		b.seen[name] = map[string]bool{}
	}
}

func (b *builder) add(name, addr string) {
	b.ensure(name)
	key := strings.ToLower(addr)
	if b.seen[name][key] {
		return
	}
	b.seen[name][key] = true
	b.groups[name] = append(b.groups[name], addr)
}
