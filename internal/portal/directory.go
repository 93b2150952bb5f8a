package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/dbsmedya/echarvest/internal/session"
	"github.com/dbsmedya/echarvest/internal/types"
)

// levelEndpoint describes how one level of the location tree is listed.
type levelEndpoint struct {
	path      string
	parentKey string
	codeKey   string
	nameKey   string
}

var endpoints = map[types.Level]levelEndpoint{
	types.LevelDistrict: {path: "GetDistrictAsync", codeKey: "districtCode", nameKey: "districtNamee"},
	types.LevelTaluka:   {path: "GetTalukaAsync", parentKey: "districtCode", codeKey: "talukCode", nameKey: "talukNamee"},
	types.LevelHobli:    {path: "GetHobliAsync", parentKey: "talukaCode", codeKey: "hoblicode", nameKey: "hoblinamee"},
	types.LevelVillage:  {path: "GetVillageAsync", parentKey: "hobliCode", codeKey: "villagecode", nameKey: "villagenamee"},
}

// FetchChildren lists the nodes at level below parentCode in the portal's
// order. The placeholder district with code 0 is dropped.
func (c *Client) FetchChildren(ctx context.Context, level types.Level, parentCode string) ([]types.Location, error) {
	ep, ok := endpoints[level]
	if !ok {
		return nil, fmt.Errorf("no directory endpoint for %s", level)
	}

	body := map[string]string{}
	if ep.parentKey != "" {
		if parentCode == "" {
			return nil, fmt.Errorf("%s list needs a parent code", level)
		}
		body[ep.parentKey] = parentCode
	}

	req, err := c.newRequest(ctx, http.MethodPost, ep.path, body, "")
	if err != nil {
		return nil, err
	}
	raw, _, err := c.send(req)
	if err != nil {
		return nil, fmt.Errorf("list %s under %q: %w", level, parentCode, err)
	}

	var items []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode %s list: %w", level, err)
	}

	out := make([]types.Location, 0, len(items))
	for _, item := range items {
		code := scalar(item[ep.codeKey])
		if code == "" {
			continue
		}
		if level == types.LevelDistrict && code == "0" {
			continue
		}
		out = append(out, types.Location{Code: code, Name: scalar(item[ep.nameKey])})
	}
	c.logger.Debugf("Fetched %d %s entries under %q", len(out), level, parentCode)
	return out, nil
}

// FetchCaptcha generates a new CAPTCHA image. The id travels in a header.
func (c *Client) FetchCaptcha(ctx context.Context) (session.Captcha, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "Generate", nil, "")
	if err != nil {
		return session.Captcha{}, err
	}
	req.Header.Set("Accept", "image/*")

	body, header, err := c.send(req)
	if err != nil {
		return session.Captcha{}, authError("captcha", err)
	}
	id := header.Get(captchaHeader)
	if id == "" {
		return session.Captcha{}, fmt.Errorf("generate captcha: response has no %q header", captchaHeader)
	}
	return session.Captcha{ID: id, Image: body}, nil
}

// scalar renders a JSON string or number as text.
func scalar(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
