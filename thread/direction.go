package thread

import (
	"fmt"
)

const (
	DirectionIn  = Direction(1)
	DirectionOut = Direction(2)
)

type Direction uint8

func (v Direction) MarshalText() ([]byte, error) {
	s := v.String()
	if len(s) == 0 {
		return nil, fmt.Errorf("Unknown Direction value \"%d\"", uint8(v))
	}

	return []byte(s), nil
}

func (v *Direction) UnmarshalText(text []byte) error {
	return v.SetString(string(text))
}

func (v *Direction) UnmarshalJSON(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("Too short for Direction : %d", len(data))
	}

	return v.SetString(string(data[1 : len(data)-1]))
}

func (v Direction) MarshalJSON() ([]byte, error) {
	s := v.String()
	if len(s) == 0 {
		return []byte("null"), nil
	}

	return []byte(fmt.Sprintf("\"%s\"", s)), nil
}

func (v *Direction) SetString(s string) error {
	switch s {
	case "in":
		*v = DirectionIn
	case "out":
		*v = DirectionOut
	default:
		*v = 0
		return fmt.Errorf("Unknown Direction value \"%s\"", s)
	}

	return nil
}

func (v Direction) String() string {
	switch v {
	case DirectionIn:
		return "in"
	case DirectionOut:
		return "out"
	default:
		return ""
	}
}
