package service

import (
	"fmt"
	"strings"
)

// StudentCode is the decoded form of a 4-digit student id: grade, class and
// two-digit seat number.
type StudentCode struct {
	Grade int
	Class int
	Seat  int
}

// ParseStudentID accepts exactly four ASCII digits with grade and class in
// 1..3 and seat in 1..40.
func ParseStudentID(raw string) (StudentCode, error) {
	s := strings.TrimSpace(raw)
	if len(s) != 4 || !allDigits(s) {
		return StudentCode{}, fmt.Errorf("%w: %q", ErrInvalidIdentityFormat, s)
	}
	code := StudentCode{
		Grade: int(s[0] - '0'),
		Class: int(s[1] - '0'),
		Seat:  int(s[2]-'0')*10 + int(s[3]-'0'),
	}
	if code.Grade < 1 || code.Grade > 3 || code.Class < 1 || code.Class > 3 || code.Seat < 1 || code.Seat > 40 {
		return StudentCode{}, fmt.Errorf("%w: %q", ErrInvalidIdentityFormat, s)
	}
	return code, nil
}

func ValidPIN(pin string) bool {
	return len(pin) == 4 && allDigits(pin)
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
