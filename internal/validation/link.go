// Package validation содержит функции валидации входных данных.
package validation

import (
	"net/url"
	"strings"
	"unicode"
)

const (
	maxLinkLength      = 2048
	maxReferenceLength = 100
)

// IsValidLink проверяет, что ссылка на объект продвижения: абсолютный http(s) URL с хостом.
func IsValidLink(link string) bool {
	if link == "" || len(link) > maxLinkLength {
		return false
	}
	if strings.IndexFunc(link, unicode.IsSpace) >= 0 {
		return false
	}

	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Hostname() != ""
}

// IsValidReference проверяет внешнюю ссылку платежа: буквы, цифры, '-', '_' и '.'.
func IsValidReference(ref string) bool {
	if ref == "" || len(ref) > maxReferenceLength {
		return false
	}

	for _, ch := range ref {
		if unicode.IsLetter(ch) || unicode.IsDigit(ch) {
			continue
		}
		switch ch {
		case '-', '_', '.':
			continue
		}
		return false
	}

	return true
}
