package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/elliotchance/orderedmap/v2"

	"github.com/dbsmedya/echarvest/internal/search"
	"github.com/dbsmedya/echarvest/internal/session"
	"github.com/dbsmedya/echarvest/internal/types"
)

type searchRequest struct {
	VillageCode string `json:"_VillageCode"`
	FromDate    string `json:"_FromDate"`
	ToDate      string `json:"_ToDate"`
	ECFilter    string `json:"EcFilter"`
	FirstName   string `json:"firstName"`
	MiddleName  string `json:"middleName"`
	LastName    string `json:"lastName"`
	CaptchaID   string `json:"captchaID"`
	CaptchaCode string `json:"captchaCode"`
	PageNo      int    `json:"pageNo"`
}

// Search runs one page of an encumbrance search. The cursor is the page
// number; an empty cursor is page 1. Failures are *search.Failure values.
func (c *Client) Search(ctx context.Context, token string, captcha session.CaptchaAnswer, unit types.SearchUnit, cursor string) (*search.Page, error) {
	page := 1
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 1 {
			return nil, &search.Failure{Kind: search.KindRemoteValidation, Message: fmt.Sprintf("bad page cursor %q", cursor)}
		}
		page = n
	}

	env, err := c.postJSON(ctx, "NewECSearch", searchRequest{
		VillageCode: unit.Village.Code,
		FromDate:    unit.FromDate,
		ToDate:      unit.ToDate,
		ECFilter:    "n",
		FirstName:   unit.PartyName,
		MiddleName:  unit.MiddleName,
		LastName:    unit.LastName,
		CaptchaID:   captcha.ID,
		CaptchaCode: captcha.Text,
		PageNo:      page,
	}, token)
	if err != nil {
		return nil, classifyTransport(err)
	}

	switch {
	case env.ResponseCode == codeOK:
	case env.ResponseCode == codeNoRecord, containsFold(env.ResponseMessage, "no record"):
		return &search.Page{}, nil
	default:
		return nil, classifyMessage(env)
	}

	rows, columns, err := decodeRecords(env.Data)
	if err != nil {
		return nil, &search.Failure{Kind: search.KindRemoteValidation, Message: "malformed result data", Err: err}
	}

	out := &search.Page{Rows: rows, Columns: columns}
	if env.TotalPages > page {
		out.Next = strconv.Itoa(page + 1)
	}
	return out, nil
}

func classifyTransport(err error) error {
	var he *httpError
	if errors.As(err, &he) {
		switch {
		case he.unauthorized():
			return &search.Failure{Kind: search.KindSessionExpired, Err: err}
		case he.temporary():
			return &search.Failure{Kind: search.KindTransientNetwork, Err: err}
		default:
			return &search.Failure{Kind: search.KindRemoteValidation, Err: err}
		}
	}
	return &search.Failure{Kind: search.KindTransientNetwork, Err: err}
}

func classifyMessage(env *envelope) error {
	msg := env.ResponseMessage
	if msg == "" {
		msg = fmt.Sprintf("response code %d", env.ResponseCode)
	}
	switch {
	case containsFold(msg, "captcha"):
		return &search.Failure{Kind: search.KindCaptchaRejected, Message: msg}
	case containsFold(msg, "session"), containsFold(msg, "token"), containsFold(msg, "unauthori"):
		return &search.Failure{Kind: search.KindSessionExpired, Message: msg}
	default:
		return &search.Failure{Kind: search.KindRemoteValidation, Message: msg}
	}
}

// decodeRecords reads the result array, which the portal usually sends as a
// JSON string. Each object's key order becomes the column order.
func decodeRecords(raw json.RawMessage) ([]types.Row, []string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, nil, err
		}
		raw = bytes.TrimSpace([]byte(s))
		if len(raw) == 0 {
			return nil, nil, nil
		}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := expectDelim(dec, '['); err != nil {
		return nil, nil, err
	}

	columns := orderedmap.NewOrderedMap[string, struct{}]()
	var rows []types.Row
	for dec.More() {
		if err := expectDelim(dec, '{'); err != nil {
			return nil, nil, err
		}
		row := types.Row{}
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return nil, nil, err
			}
			key, ok := tok.(string)
			if !ok {
				return nil, nil, fmt.Errorf("unexpected object key %v", tok)
			}
			var v interface{}
			if err := dec.Decode(&v); err != nil {
				return nil, nil, fmt.Errorf("value of %q: %w", key, err)
			}
			row[key] = types.ToCell(v)
			columns.Set(key, struct{}{})
		}
		if err := expectDelim(dec, '}'); err != nil {
			return nil, nil, err
		}
		rows = append(rows, row)
	}
	if err := expectDelim(dec, ']'); err != nil {
		return nil, nil, err
	}
	return rows, columns.Keys(), nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}
