package mailbox

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

// ErrNoDomains is returned when no accepted email domain is configured.
var ErrNoDomains = errors.New("no email domains configured")

const localPartLength = 12

// Provisioner mints fresh addresses on domains routed to the catch-all mailbox.
type Provisioner struct {
	domains []string
	pick    func(n int) int
}

// NewProvisioner returns a provisioner over the given domains.
func NewProvisioner(domains []string) (*Provisioner, error) {
	cleaned := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.TrimPrefix(strings.TrimSpace(d), "@")
		if d != "" {
			cleaned = append(cleaned, strings.ToLower(d))
		}
	}
	if len(cleaned) == 0 {
		return nil, ErrNoDomains
	}
	return &Provisioner{domains: cleaned, pick: rand.IntN}, nil
}

// NewAddress returns a previously unused address on one of the domains.
func (p *Provisioner) NewAddress(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generating address: %w", err)
	}
	local := strings.ReplaceAll(id.String(), "-", "")[:localPartLength]
	return local + "@" + p.domains[p.pick(len(p.domains))], nil
}
