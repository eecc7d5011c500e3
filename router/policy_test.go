package router

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/c360/relaygate/config"
	"github.com/c360/relaygate/event"
)

func policyEvent(kind uint16, author string) *event.Event {
	return &event.Event{PubKey: author, Kind: kind}
}

func TestPolicy_Admit(t *testing.T) {
	alice := strings.Repeat("aa", 32)
	bob := strings.Repeat("bb", 32)
	carol := strings.Repeat("cc", 32)

	tests := []struct {
		name   string
		cfg    config.FilterConfig
		ev     *event.Event
		admit  bool
		reason string
	}{
		{
			name:  "empty policy admits everything",
			cfg:   config.FilterConfig{},
			ev:    policyEvent(9999, alice),
			admit: true,
		},
		{
			name:  "allowed kind passes",
			cfg:   config.FilterConfig{AllowedKinds: []uint16{30931, 30932}},
			ev:    policyEvent(30932, alice),
			admit: true,
		},
		{
			name:   "other kind rejected",
			cfg:    config.FilterConfig{AllowedKinds: []uint16{30931}},
			ev:     policyEvent(1, alice),
			admit:  false,
			reason: "kind_filtered",
		},
		{
			name:   "denied author rejected",
			cfg:    config.FilterConfig{DeniedAuthors: []string{bob}},
			ev:     policyEvent(1, bob),
			admit:  false,
			reason: "author_denied",
		},
		{
			name:   "deny wins over allow",
			cfg:    config.FilterConfig{AllowedAuthors: []string{bob}, DeniedAuthors: []string{bob}},
			ev:     policyEvent(1, bob),
			admit:  false,
			reason: "author_denied",
		},
		{
			name:   "author outside allow list rejected",
			cfg:    config.FilterConfig{AllowedAuthors: []string{alice, bob}},
			ev:     policyEvent(1, carol),
			admit:  false,
			reason: "author_not_allowed",
		},
		{
			name:  "author on allow list passes",
			cfg:   config.FilterConfig{AllowedAuthors: []string{alice, bob}},
			ev:    policyEvent(1, bob),
			admit: true,
		},
		{
			name:  "author comparison is case insensitive",
			cfg:   config.FilterConfig{AllowedAuthors: []string{strings.ToUpper(alice)}},
			ev:    policyEvent(1, alice),
			admit: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPolicy(tt.cfg)
			admit, reason := p.Admit(tt.ev)
			assert.Equal(t, tt.admit, admit)
			assert.Equal(t, tt.reason, reason)
		})
	}
}
