// Package directory looks up patients and clinicians in the hospital master
// index. The laboratory only stores references; display data comes from here.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

var ErrNotFound = errors.New("directory: not found")

type Patient struct {
	Ref         string `json:"ref"`
	DisplayName string `json:"display_name"`
	Ward        string `json:"ward,omitempty"`
	BirthDate   string `json:"birth_date,omitempty"`
}

type Clinician struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Department  string   `json:"department,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Active      bool     `json:"active"`
}

type errorResponseTO struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HTTPDirectory talks to the directory REST API:
//
//	GET {base}/patients/{ref}
//	GET {base}/clinicians/{id}
type HTTPDirectory struct {
	client  *resty.Client
	baseURL string
}

func NewHTTPDirectory(baseURL string, client *resty.Client) (*HTTPDirectory, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("directory base url must be set")
	}
	if client == nil {
		client = NewRestyClient(5*time.Second, 2)
	}
	return &HTTPDirectory{client: client, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// NewRestyClient retries transport errors and 5xx responses.
func NewRestyClient(timeout time.Duration, retries int) *resty.Client {
	return resty.New().
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err != nil || resp.StatusCode() >= http.StatusInternalServerError
		})
}

func (d *HTTPDirectory) get(ctx context.Context, path string, out interface{}) error {
	resp, err := d.client.R().
		SetContext(ctx).
		SetResult(out).
		Get(d.baseURL + path)
	if err != nil {
		return fmt.Errorf("directory request %s: %w", path, err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return ErrNotFound
	case resp.IsError():
		var errResp errorResponseTO
		if json.Unmarshal(resp.Body(), &errResp) == nil && errResp.Message != "" {
			return fmt.Errorf("directory %s: %s (%s)", path, errResp.Message, errResp.Code)
		}
		return fmt.Errorf("directory %s: unexpected status %d", path, resp.StatusCode())
	}
	return nil
}

func (d *HTTPDirectory) LookupPatient(ctx context.Context, ref string) (*Patient, error) {
	var p Patient
	if err := d.get(ctx, "/patients/"+url.PathEscape(ref), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (d *HTTPDirectory) LookupClinician(ctx context.Context, id string) (*Clinician, error) {
	var c Clinician
	if err := d.get(ctx, "/clinicians/"+url.PathEscape(id), &c); err != nil {
		return nil, err
	}
	if !c.Active {
		return nil, ErrNotFound
	}
	return &c, nil
}

// StaticDirectory is an in-memory directory for development and tests.
type StaticDirectory struct {
	mu         sync.RWMutex
	patients   map[string]*Patient
	clinicians map[string]*Clinician
}

func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		patients:   make(map[string]*Patient),
		clinicians: make(map[string]*Clinician),
	}
}

func (d *StaticDirectory) AddPatient(p Patient) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.patients[strings.ToUpper(p.Ref)] = &p
}

func (d *StaticDirectory) AddClinician(c Clinician) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clinicians[strings.ToLower(c.ID)] = &c
}

func (d *StaticDirectory) LookupPatient(_ context.Context, ref string) (*Patient, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.patients[strings.ToUpper(ref)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (d *StaticDirectory) LookupClinician(_ context.Context, id string) (*Clinician, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.clinicians[strings.ToLower(id)]
	if !ok || !c.Active {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}
