package router

import (
	"strings"

	"github.com/c360/relaygate/config"
	"github.com/c360/relaygate/event"
)

// Policy is the routing admission rule set, built once from config. An
// empty kind set admits all kinds; the deny list wins over the allow
// list. Author keys are compared lowercase.
type Policy struct {
	kinds   map[uint16]struct{}
	allowed map[string]struct{}
	denied  map[string]struct{}
}

func NewPolicy(cfg config.FilterConfig) Policy {
	var p Policy
	if len(cfg.AllowedKinds) > 0 {
		p.kinds = make(map[uint16]struct{}, len(cfg.AllowedKinds))
		for _, k := range cfg.AllowedKinds {
			p.kinds[k] = struct{}{}
		}
	}
	if len(cfg.AllowedAuthors) > 0 {
		p.allowed = make(map[string]struct{}, len(cfg.AllowedAuthors))
		for _, a := range cfg.AllowedAuthors {
			p.allowed[strings.ToLower(a)] = struct{}{}
		}
	}
	if len(cfg.DeniedAuthors) > 0 {
		p.denied = make(map[string]struct{}, len(cfg.DeniedAuthors))
		for _, a := range cfg.DeniedAuthors {
			p.denied[strings.ToLower(a)] = struct{}{}
		}
	}
	return p
}

// Admit reports whether ev passes the policy. On rejection the reason
// names the rule for the drop counter.
func (p Policy) Admit(ev *event.Event) (bool, string) {
	if p.kinds != nil {
		if _, ok := p.kinds[ev.Kind]; !ok {
			return false, "kind_filtered"
		}
	}
	author := strings.ToLower(ev.PubKey)
	if p.denied != nil {
		if _, ok := p.denied[author]; ok {
			return false, "author_denied"
		}
	}
	if p.allowed != nil {
		if _, ok := p.allowed[author]; !ok {
			return false, "author_not_allowed"
		}
	}
	return true, ""
}
