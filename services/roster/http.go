// Package rostersvc talks to the host platform's roster API: group CRUD,
// membership pushes and user directory lookups.
package rostersvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/mail"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/mwalimu/grouptool/core"
	"github.com/mwalimu/grouptool/core/group"
)

type HTTPService struct {
	baseURL string
	token   string
	client  *http.Client
}

var (
	_ group.RosterService = (*HTTPService)(nil)
	_ group.Directory     = (*HTTPService)(nil)
)

func NewHTTPService(conf *core.Config) *HTTPService {
	return &HTTPService{
		baseURL: conf.Roster.BaseURL,
		token:   conf.Roster.Token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (svc *HTTPService) GetGroup(ctx context.Context, groupID int) (group.RosterGroup, error) {
	var rg group.RosterGroup
	err := svc.do(ctx, http.MethodGet, "/groups/"+strconv.Itoa(groupID), nil, &rg)
	return rg, err
}

func (svc *HTTPService) CreateGroup(ctx context.Context, g group.RosterGroup) (group.RosterGroup, error) {
	var rg group.RosterGroup
	err := svc.do(ctx, http.MethodPost, "/groups", g, &rg)
	return rg, err
}

func (svc *HTTPService) AddMember(ctx context.Context, groupID, userID int) error {
	path := fmt.Sprintf("/groups/%d/members/%d", groupID, userID)
	return svc.do(ctx, http.MethodPut, path, nil, nil)
}

func (svc *HTTPService) RemoveMember(ctx context.Context, groupID, userID int) error {
	path := fmt.Sprintf("/groups/%d/members/%d", groupID, userID)
	return svc.do(ctx, http.MethodDelete, path, nil, nil)
}

func (svc *HTTPService) UserAddress(ctx context.Context, userID int) (mail.Address, error) {
	var usr struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := svc.do(ctx, http.MethodGet, "/users/"+strconv.Itoa(userID), nil, &usr); err != nil {
		return mail.Address{}, err
	}
	return mail.Address{Name: usr.Name, Address: usr.Email}, nil
}

func (svc *HTTPService) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody *bytes.Buffer
	if body != nil {
		reqBody = new(bytes.Buffer)
		if err := json.NewEncoder(reqBody).Encode(body); err != nil {
			return errors.Wrap(err, "encoding request body")
		}
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, svc.baseURL+path, reqBody)
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")
	if svc.token != "" {
		req.Header.Set("Authorization", "Bearer "+svc.token)
	}

	res, err := svc.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "calling roster API")
	}
	defer func() { _ = res.Body.Close() }()

	switch {
	case res.StatusCode == http.StatusNotFound:
		return group.ErrNotFound
	case res.StatusCode >= http.StatusBadRequest:
		return errors.Errorf("roster API: %s %s: %s", method, path, res.Status)
	}

	if out != nil {
		if err = json.NewDecoder(res.Body).Decode(out); err != nil {
			return errors.Wrap(err, "decoding response body")
		}
	}
	return nil
}
