// Package credentials generates throwaway authentication tokens and ports for
// a query server instance.
package credentials

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
)

// TokenBytes is the amount of randomness behind each token (hex encoded to twice the length)
const TokenBytes = 64

// MinTokenBits is the lowest entropy accepted for a token
const MinTokenBits = 128

type Credentials struct {
	Username string
	Password string
}

type PortRange struct {
	Low  int
	High int
}

// DefaultPortRange is the upper half of the port space
var DefaultPortRange = PortRange{Low: 32768, High: 65535}

func (r PortRange) Contains(port int) bool {
	return port >= r.Low && port <= r.High
}

func (r PortRange) valid() bool {
	return r.Low > 0 && r.High <= 65535 && r.Low <= r.High
}

// Generator draws credentials and ports from a random source
type Generator struct {
	Random io.Reader
	Ports  PortRange
}

// NewGenerator returns a Generator backed by crypto/rand
func NewGenerator(ports PortRange) *Generator {
	return &Generator{Random: rand.Reader, Ports: ports}
}

// Generate returns fresh credentials and a candidate port
func (g *Generator) Generate() (Credentials, int, error) {
	creds, err := g.Credentials()
	if err != nil {
		return Credentials{}, 0, err
	}
	port, err := g.Port()
	if err != nil {
		return Credentials{}, 0, err
	}
	return creds, port, nil
}

func (g *Generator) Credentials() (Credentials, error) {
	user, err := g.token()
	if err != nil {
		return Credentials{}, fmt.Errorf("generate username: %w", err)
	}
	password, err := g.token()
	if err != nil {
		return Credentials{}, fmt.Errorf("generate password: %w", err)
	}
	return Credentials{Username: user, Password: password}, nil
}

// Port picks a port uniformly from the range. Callers must be ready for it to be taken.
func (g *Generator) Port() (int, error) {
	if !g.Ports.valid() {
		return 0, fmt.Errorf("invalid port range [%d, %d]", g.Ports.Low, g.Ports.High)
	}
	span := big.NewInt(int64(g.Ports.High - g.Ports.Low + 1))
	n, err := rand.Int(g.Random, span)
	if err != nil {
		return 0, fmt.Errorf("generate port: %w", err)
	}
	return g.Ports.Low + int(n.Int64()), nil
}

func (g *Generator) token() (string, error) {
	buf := make([]byte, TokenBytes)
	if _, err := io.ReadFull(g.Random, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
