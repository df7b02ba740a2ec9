package provider

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-faster/jx"
)

// decodeBulkStatus разбирает ответ вида {"<id>": {...}, ...}.
// Ошибка по отдельному заказу не прерывает разбор остальных.
func decodeBulkStatus(data []byte) (map[int64]StatusResult, error) {
	d := jx.DecodeBytes(data)
	if d.Next() != jx.Object {
		return nil, fmt.Errorf("%w: expected object", ErrMalformedResponse)
	}

	out := make(map[int64]StatusResult)
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		id, err := strconv.ParseInt(string(key), 10, 64)
		if err != nil {
			if string(key) == "error" {
				msg, err := readScalar(d)
				if err != nil {
					return err
				}
				return &APIError{Message: msg}
			}
			return d.Skip()
		}

		res, err := decodeStatusEntry(d)
		if err != nil {
			return err
		}
		out[id] = res
		return nil
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	return out, nil
}

// decodeStatus разбирает ответ на запрос статуса одного заказа.
func decodeStatus(data []byte) (Status, error) {
	d := jx.DecodeBytes(data)
	res, err := decodeStatusEntry(d)
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return res.Unwrap()
}

func decodeStatusEntry(d *jx.Decoder) (StatusResult, error) {
	if d.Next() != jx.Object {
		if err := d.Skip(); err != nil {
			return StatusResult{}, err
		}
		return StatusError("malformed status entry"), nil
	}

	var (
		st     Status
		errMsg string
	)
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "error":
			errMsg, err = readScalar(d)
		case "status":
			st.Status, err = readScalar(d)
		case "start_count":
			st.StartCount, err = readScalar(d)
		case "remains":
			st.Remains, err = readScalar(d)
		case "charge":
			st.Charge, err = readScalar(d)
		case "currency":
			st.Currency, err = readScalar(d)
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return StatusResult{}, err
	}

	if errMsg != "" {
		return StatusError(errMsg), nil
	}
	return StatusOK(st), nil
}

// readScalar читает строку или число как строку; null даёт пустую строку.
func readScalar(d *jx.Decoder) (string, error) {
	switch d.Next() {
	case jx.String:
		return d.Str()
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return "", err
		}
		return n.String(), nil
	case jx.Null:
		return "", d.Null()
	default:
		return "", d.Skip()
	}
}

// ParseCount разбирает числовое поле статуса по ведущим цифрам: "12abc" даёт 12,
// "1e3" даёт 1. Пустое или нечисловое значение даёт 0.
func ParseCount(s string) int64 {
	s = strings.TrimSpace(s)

	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	start := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == start {
		return 0
	}

	n, err := strconv.ParseInt(s[:end], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
