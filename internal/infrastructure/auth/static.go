package auth

import (
	"context"
	"fmt"
	"strings"
)

// StaticAuthorizer allows a fixed username list from configuration. An
// empty list allows everyone, which is the open default.
type StaticAuthorizer struct {
	allowed map[string]struct{}
}

func NewStaticAuthorizer(users []string) *StaticAuthorizer {
	a := &StaticAuthorizer{}
	if len(users) > 0 {
		a.allowed = make(map[string]struct{}, len(users))
		for _, u := range users {
			a.allowed[strings.ToLower(strings.TrimSpace(u))] = struct{}{}
		}
	}
	return a
}

func (a *StaticAuthorizer) Authorize(_ context.Context, username, _ string) error {
	if a.allowed == nil {
		return nil
	}
	if _, ok := a.allowed[strings.ToLower(username)]; !ok {
		return fmt.Errorf("username %q is not in the allow list", username)
	}
	return nil
}
