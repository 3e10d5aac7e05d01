package thread

import (
	"fmt"
)

const (
	RoleInvalid = Role(0)
	RoleMaker   = Role(1) // issues the invoice, typically the payee
	RoleTaker   = Role(2) // pays the invoice, typically the payer
)

type Role uint8

func (v Role) Opposite() Role {
	switch v {
	case RoleMaker:
		return RoleTaker
	case RoleTaker:
		return RoleMaker
	default:
		return RoleInvalid
	}
}

func (v *Role) UnmarshalJSON(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("Too short for Role : %d", len(data))
	}

	return v.SetString(string(data[1 : len(data)-1]))
}

func (v Role) MarshalJSON() ([]byte, error) {
	s := v.String()
	if len(s) == 0 {
		return []byte("null"), nil
	}

	return []byte(fmt.Sprintf("\"%s\"", s)), nil
}

func (v Role) MarshalText() ([]byte, error) {
	s := v.String()
	if len(s) == 0 {
		return nil, fmt.Errorf("Unknown Role value \"%d\"", uint8(v))
	}

	return []byte(s), nil
}

func (v *Role) UnmarshalText(text []byte) error {
	return v.SetString(string(text))
}

func (v *Role) SetString(s string) error {
	switch s {
	case "maker":
		*v = RoleMaker
	case "taker":
		*v = RoleTaker
	default:
		*v = RoleInvalid
		return fmt.Errorf("Unknown Role value \"%s\"", s)
	}

	return nil
}

func (v Role) String() string {
	switch v {
	case RoleMaker:
		return "maker"
	case RoleTaker:
		return "taker"
	default:
		return ""
	}
}
