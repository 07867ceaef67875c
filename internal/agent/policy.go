package agent

import "strings"

// Caller is the request-scoped identity the orchestrator acts for. It is
// never persisted.
type Caller struct {
	Identity      string
	Authorization string
	IsAdmin       bool
}

// CanRegister reports whether the caller may create target's record.
func (c Caller) CanRegister(target string) bool {
	return c.IsAdmin || (c.Identity != "" && target == c.Identity)
}

// Coerce returns the record a mutation may touch: admins act on the named
// target, everyone else only on their own record.
func (c Caller) Coerce(target string) string {
	if c.IsAdmin {
		return target
	}
	return c.Identity
}

// Policy holds the admin set.
type Policy struct {
	admins map[string]struct{}
}

func NewPolicy(admins []string) Policy {
	p := Policy{admins: make(map[string]struct{}, len(admins))}
	for _, a := range admins {
		if a = strings.TrimSpace(a); a != "" {
			p.admins[a] = struct{}{}
		}
	}
	return p
}

func (p Policy) IsAdmin(cn string) bool {
	cn = strings.TrimSpace(cn)
	if cn == "" {
		return false
	}
	_, ok := p.admins[cn]
	return ok
}

func (p Policy) Caller(identity, authorization string) Caller {
	identity = strings.TrimSpace(identity)
	return Caller{
		Identity:      identity,
		Authorization: strings.TrimSpace(authorization),
		IsAdmin:       p.IsAdmin(identity),
	}
}
