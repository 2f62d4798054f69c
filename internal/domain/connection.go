// Package domain contains the core entities, events and ports of the
// water-level monitoring core. It has no dependency on the OPC UA stack.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// SecurityPolicy is the OPC UA security policy requested for a session.
type SecurityPolicy string

const (
	SecurityPolicyNone           SecurityPolicy = "None"
	SecurityPolicyBasic128Rsa15  SecurityPolicy = "Basic128Rsa15"
	SecurityPolicyBasic256       SecurityPolicy = "Basic256"
	SecurityPolicyBasic256Sha256 SecurityPolicy = "Basic256Sha256"
)

// SecurityMode is the OPC UA message security mode requested for a session.
type SecurityMode string

const (
	SecurityModeNone           SecurityMode = "None"
	SecurityModeSign           SecurityMode = "Sign"
	SecurityModeSignAndEncrypt SecurityMode = "SignAndEncrypt"
)

// ParseSecurityPolicy maps user input to a SecurityPolicy. Empty input means None.
func ParseSecurityPolicy(s string) (SecurityPolicy, error) {
	switch strings.TrimSpace(s) {
	case "", string(SecurityPolicyNone):
		return SecurityPolicyNone, nil
	case string(SecurityPolicyBasic128Rsa15):
		return SecurityPolicyBasic128Rsa15, nil
	case string(SecurityPolicyBasic256):
		return SecurityPolicyBasic256, nil
	case string(SecurityPolicyBasic256Sha256):
		return SecurityPolicyBasic256Sha256, nil
	default:
		return "", fmt.Errorf("%w: invalid security policy %q (expected None, Basic128Rsa15, Basic256 or Basic256Sha256)", ErrValidation, s)
	}
}

// ParseSecurityMode maps user input to a SecurityMode. Empty input means None.
func ParseSecurityMode(s string) (SecurityMode, error) {
	switch strings.TrimSpace(s) {
	case "", string(SecurityModeNone):
		return SecurityModeNone, nil
	case string(SecurityModeSign):
		return SecurityModeSign, nil
	case string(SecurityModeSignAndEncrypt):
		return SecurityModeSignAndEncrypt, nil
	default:
		return "", fmt.Errorf("%w: invalid security mode %q (expected None, Sign or SignAndEncrypt)", ErrValidation, s)
	}
}

// ConnectionProfile describes how to reach one OPC UA server.
type ConnectionProfile struct {
	// ID is the store-assigned identifier
	ID int64 `json:"id" yaml:"id"`

	// Name is a human-readable label for the server
	Name string `json:"name" yaml:"name"`

	// Host is the IP address or hostname of the server
	Host string `json:"host" yaml:"host"`

	// Port is the TCP port of the opc.tcp endpoint
	Port int `json:"port" yaml:"port"`

	// SecurityPolicy is bound into the client at construction time
	SecurityPolicy SecurityPolicy `json:"securityPolicy" yaml:"security_policy"`

	// SecurityMode is bound into the client at construction time
	SecurityMode SecurityMode `json:"securityMode" yaml:"security_mode"`

	// Username enables user/password authentication when non-empty
	Username string `json:"username,omitempty" yaml:"username,omitempty"`

	// Password is never serialized back to API consumers
	Password string `json:"-" yaml:"password,omitempty"`

	// IsActive marks the profile currently connected; at most one is active
	IsActive bool `json:"isActive" yaml:"is_active"`

	CreatedAt time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"-"`
}

// Endpoint returns the opc.tcp URL for the profile.
func (p *ConnectionProfile) Endpoint() string {
	return fmt.Sprintf("opc.tcp://%s:%d", p.Host, p.Port)
}

// Normalize fills empty security settings with None.
func (p *ConnectionProfile) Normalize() {
	if p.SecurityPolicy == "" {
		p.SecurityPolicy = SecurityPolicyNone
	}
	if p.SecurityMode == "" {
		p.SecurityMode = SecurityModeNone
	}
}

// Validate checks the profile before it is used to open a session.
func (p *ConnectionProfile) Validate() error {
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("%w: host is required", ErrValidation)
	}
	if p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrValidation, p.Port)
	}
	if _, err := ParseSecurityPolicy(string(p.SecurityPolicy)); err != nil {
		return err
	}
	if _, err := ParseSecurityMode(string(p.SecurityMode)); err != nil {
		return err
	}

	policyNone := p.SecurityPolicy == "" || p.SecurityPolicy == SecurityPolicyNone
	modeNone := p.SecurityMode == "" || p.SecurityMode == SecurityModeNone
	if policyNone != modeNone {
		return fmt.Errorf("%w: security mode %q is incompatible with security policy %q",
			ErrValidation, p.SecurityMode, p.SecurityPolicy)
	}
	if p.Password != "" && p.Username == "" {
		return fmt.Errorf("%w: password given without username", ErrValidation)
	}
	return nil
}
