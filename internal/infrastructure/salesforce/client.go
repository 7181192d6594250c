// Package salesforce is a minimal Salesforce client covering what the
// CDC poller needs: SOAP username-password login and SOQL queries over
// the REST API. Sessions are established lazily and refreshed once on
// a 401.
package salesforce

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eduflowhq/cdp-backend/internal/infrastructure/config"
)

const (
	apiVersion     = "59.0"
	soapPath       = "/services/Soap/u/" + apiVersion
	requestTimeout = 30 * time.Second

	// maxResponseBytes bounds login and query response reads.
	maxResponseBytes = 8 << 20
)

const loginEnvelope = `<?xml version="1.0" encoding="utf-8"?>
<env:Envelope xmlns:env="http://schemas.xmlsoap.org/soap/envelope/" xmlns:urn="urn:partner.soap.sforce.com">
  <env:Body>
    <urn:login>
      <urn:username>%s</urn:username>
      <urn:password>%s</urn:password>
    </urn:login>
  </env:Body>
</env:Envelope>`

// Client talks to one Salesforce org. Safe for concurrent use.
type Client struct {
	logger   *zap.Logger
	httpc    *http.Client
	cfg      config.SalesforceConfig
	loginURL string

	mu          sync.Mutex
	instanceURL string
	sessionID   string
}

// NewClient builds a client from the connector configuration. The
// security token is appended to the password, which is how the SOAP
// login endpoint expects untrusted-network credentials.
func NewClient(cfg config.SalesforceConfig, logger *zap.Logger) *Client {
	return &Client{
		logger:   logger,
		httpc:    &http.Client{Timeout: requestTimeout},
		cfg:      cfg,
		loginURL: fmt.Sprintf("https://%s.salesforce.com", cfg.Domain),
	}
}

// RecentlyModifiedLeads returns leads touched today, newest first. It
// implements the connector's LeadSource port.
func (c *Client) RecentlyModifiedLeads(ctx context.Context, fields []string, limit int) ([]map[string]interface{}, error) {
	soql := fmt.Sprintf(
		"SELECT %s FROM Lead WHERE LastModifiedDate = TODAY ORDER BY LastModifiedDate DESC LIMIT %d",
		strings.Join(fields, ", "), limit)
	return c.query(ctx, soql)
}

func (c *Client) query(ctx context.Context, soql string) ([]map[string]interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessionID == "" {
		if err := c.login(ctx); err != nil {
			return nil, err
		}
	}

	records, status, err := c.doQuery(ctx, soql)
	if status == http.StatusUnauthorized {
		// Expired session: one re-login, one retry.
		if err := c.login(ctx); err != nil {
			return nil, err
		}
		records, _, err = c.doQuery(ctx, soql)
	}
	return records, err
}

func (c *Client) doQuery(ctx context.Context, soql string) ([]map[string]interface{}, int, error) {
	endpoint := c.instanceURL + "/services/data/v" + apiVersion + "/query?q=" + url.QueryEscape(soql)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.sessionID)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode,
			fmt.Errorf("salesforce query failed: status %d: %s", resp.StatusCode, snippet(raw))
	}

	var result struct {
		TotalSize int                      `json:"totalSize"`
		Done      bool                     `json:"done"`
		Records   []map[string]interface{} `json:"records"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("parsing query response: %w", err)
	}
	return result.Records, resp.StatusCode, nil
}

// login performs the SOAP username-password exchange and captures the
// session ID and instance host. Callers hold c.mu.
func (c *Client) login(ctx context.Context) error {
	body := fmt.Sprintf(loginEnvelope,
		xmlEscape(c.cfg.Username),
		xmlEscape(c.cfg.Password+c.cfg.SecurityToken))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.loginURL+soapPath, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/xml; charset=UTF-8")
	req.Header.Set("SOAPAction", "login")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("salesforce login request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		var fault struct {
			FaultString string `xml:"Body>Fault>faultstring"`
		}
		if xml.Unmarshal(raw, &fault) == nil && fault.FaultString != "" {
			return fmt.Errorf("salesforce login failed: %s", fault.FaultString)
		}
		return fmt.Errorf("salesforce login failed: status %d", resp.StatusCode)
	}

	var parsed struct {
		Result struct {
			ServerURL string `xml:"serverUrl"`
			SessionID string `xml:"sessionId"`
		} `xml:"Body>loginResponse>result"`
	}
	if err := xml.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("parsing login response: %w", err)
	}
	if parsed.Result.SessionID == "" {
		return fmt.Errorf("salesforce login response missing session id")
	}

	server, err := url.Parse(parsed.Result.ServerURL)
	if err != nil {
		return fmt.Errorf("parsing server url: %w", err)
	}

	c.instanceURL = server.Scheme + "://" + server.Host
	c.sessionID = parsed.Result.SessionID
	c.logger.Info("authenticated with salesforce", zap.String("instance", server.Host))
	return nil
}

func xmlEscape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

func snippet(raw []byte) string {
	const max = 200
	s := strings.TrimSpace(string(raw))
	if len(s) > max {
		return s[:max]
	}
	return s
}
