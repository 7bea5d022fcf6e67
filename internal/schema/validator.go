package schema

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Protocol tags are lowercase names such as "tcp", "udp" or "icmp6".
var protocolTag = regexp.MustCompile(`^[a-z][a-z0-9]*$`)

// ValidateProtocol reports whether protocol is a well-formed protocol tag.
func ValidateProtocol(protocol string) bool {
	return protocolTag.MatchString(protocol)
}

// ValidatorLimits bound log timestamps. A zero MaxLogAge accepts entries of
// any age, so replayed or delayed telemetry is still evaluated.
type ValidatorLimits struct {
	MaxLogAge    time.Duration
	MaxClockSkew time.Duration
}

// DefaultValidatorLimits accepts any log age and timestamps up to five
// minutes ahead of the local clock.
func DefaultValidatorLimits() ValidatorLimits {
	return ValidatorLimits{MaxClockSkew: 5 * time.Minute}
}

// Validator checks telemetry and indicators against their struct tags
// before they reach detection or the indicator store.
type Validator struct {
	v      *validator.Validate
	limits ValidatorLimits
}

// NewValidator returns a validator using DefaultValidatorLimits.
func NewValidator() *Validator {
	return NewValidatorWithLimits(DefaultValidatorLimits())
}

// NewValidatorWithLimits returns a validator with the given timestamp
// bounds. Zero bounds are not enforced.
func NewValidatorWithLimits(limits ValidatorLimits) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterValidation("protocol", func(fl validator.FieldLevel) bool {
		return ValidateProtocol(fl.Field().String())
	})
	return &Validator{v: v, limits: limits}
}

// ValidatePacket checks addresses and the protocol tag of p.
func (v *Validator) ValidatePacket(p NetworkPacket) error {
	return v.check("packet", p.Fields())
}

// ValidateLog checks l. A zero timestamp passes because the entry is
// stamped when it is evaluated.
func (v *Validator) ValidateLog(l LogEntry) error {
	f := l.Fields()
	if err := v.check("log", f); err != nil {
		return err
	}
	if f.Timestamp.IsZero() {
		return nil
	}

	now := time.Now()
	age, skew := v.limits.MaxLogAge, v.limits.MaxClockSkew
	switch {
	case age > 0 && f.Timestamp.Before(now.Add(-age)):
		return fmt.Errorf("log: timestamp %s is older than %s", f.Timestamp.Format(time.RFC3339), age)
	case skew > 0 && f.Timestamp.After(now.Add(skew)):
		return fmt.Errorf("log: timestamp %s is more than %s ahead", f.Timestamp.Format(time.RFC3339), skew)
	}
	return nil
}

// ValidateIndicator checks ioc and, for IP indicators, that the value
// parses as an address.
func (v *Validator) ValidateIndicator(ioc Indicator) error {
	if err := v.check("indicator", ioc); err != nil {
		return err
	}
	if ioc.Type == "ip" && v.v.Var(ioc.Value, "ip") != nil {
		return fmt.Errorf("indicator: %q is not an IP address", ioc.Value)
	}
	return nil
}

// check validates s and condenses validator's errors into one line such as
// "packet: SourceIP(ip), Protocol(protocol)".
func (v *Validator) check(kind string, s any) error {
	err := v.v.Struct(s)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) {
		return fmt.Errorf("%s: %w", kind, err)
	}
	failed := make([]string, len(fields))
	for i, fe := range fields {
		failed[i] = fe.Field() + "(" + fe.Tag() + ")"
	}
	return fmt.Errorf("%s: invalid %s", kind, strings.Join(failed, ", "))
}
