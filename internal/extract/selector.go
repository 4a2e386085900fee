package extract

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidPageSelector is returned by ParsePageSelector for input that is
// neither "all" nor a positive page number.
var ErrInvalidPageSelector = errors.New("invalid page selector")

// PageSelector chooses every page or one 1-based page.
type PageSelector struct {
	page     int
	specific bool
}

// AllPages selects every page in document order.
func AllPages() PageSelector { return PageSelector{} }

// SpecificPage selects page n only.
func SpecificPage(n int) PageSelector { return PageSelector{page: n, specific: true} }

// ParsePageSelector accepts "", "all" or a page number.
func ParsePageSelector(s string) (PageSelector, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "all") {
		return AllPages(), nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return PageSelector{}, fmt.Errorf("%w: %q", ErrInvalidPageSelector, s)
	}
	return SpecificPage(n), nil
}

// Page returns the selected page and true, or 0 and false for AllPages.
func (s PageSelector) Page() (int, bool) { return s.page, s.specific }

// All reports whether every page is selected.
func (s PageSelector) All() bool { return !s.specific }

func (s PageSelector) String() string {
	if !s.specific {
		return "all"
	}
	return strconv.Itoa(s.page)
}
