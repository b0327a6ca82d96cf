package remote

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/nexusti/possync/internal/schema"
)

// Routes served by the remote API.
const (
	RouteSales        = "/v1/sales"
	RouteDocuments    = "/v1/documents"
	RouteNotification = "/v1/documents/{name}/notification"
	RouteProducts     = "/v1/products"
)

// CreateSaleResponse is the body returned by POST /v1/sales.
type CreateSaleResponse struct {
	ID string `json:"id"`
}

// UploadResponse is the body returned by POST /v1/documents.
type UploadResponse struct {
	URL string `json:"url"`
}

// NotificationResponse is the body returned by the notification route.
type NotificationResponse struct {
	Sent bool `json:"sent"`
}

// RemoteProduct is a catalog entry as served remotely.
type RemoteProduct struct {
	ID       string          `json:"id"`
	Code     string          `json:"code"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Stock    int             `json:"stock"`
	MinStock int             `json:"minStock"`
	Active   bool            `json:"active"`
}

// HTTPClient talks to the remote API. It implements SaleCreator,
// DocumentUploader, NotificationChecker and CatalogSource.
type HTTPClient struct {
	client *resty.Client
}

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	BaseURL string
	Token   string
	// Timeout bounds a single request. Per-call deadlines from the context
	// still apply.
	Timeout time.Duration
}

// NewHTTPClient creates a client for the API at cfg.BaseURL.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("Accept", "application/json")
	if cfg.Timeout > 0 {
		c.SetTimeout(cfg.Timeout)
	}
	if cfg.Token != "" {
		c.SetAuthToken(cfg.Token)
	}
	return &HTTPClient{client: c}
}

// CreateRemoteSale implements SaleCreator.
func (c *HTTPClient) CreateRemoteSale(ctx context.Context, payload SalePayload) (string, error) {
	var out CreateSaleResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&out).
		Post(RouteSales)
	if err != nil {
		return "", err
	}
	if err := checkStatus(resp); err != nil {
		return "", err
	}
	return out.ID, nil
}

// UploadDocument implements DocumentUploader.
func (c *HTTPClient) UploadDocument(ctx context.Context, data []byte, name string, meta Metadata) (string, error) {
	var out UploadResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetFileReader("file", name, bytes.NewReader(data)).
		SetFormData(map[string]string{
			"customerEmail": meta.CustomerEmail,
			"ticketNumber":  meta.TicketNumber,
			"totalAmount":   meta.TotalAmount,
			"saleDate":      meta.SaleDate,
		}).
		SetResult(&out).
		Post(RouteDocuments)
	if err != nil {
		return "", err
	}
	if err := checkStatus(resp); err != nil {
		return "", err
	}
	return out.URL, nil
}

// NotificationSent implements NotificationChecker. An unknown ticket is
// reported as not sent.
func (c *HTTPClient) NotificationSent(ctx context.Context, ticketNumber string) (bool, error) {
	var out NotificationResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("name", schema.DocumentName(ticketNumber)).
		SetResult(&out).
		Get(RouteNotification)
	if err != nil {
		return false, err
	}
	if resp.StatusCode() == http.StatusNotFound {
		return false, nil
	}
	if err := checkStatus(resp); err != nil {
		return false, err
	}
	return out.Sent, nil
}

// FetchCatalog implements CatalogSource.
func (c *HTTPClient) FetchCatalog(ctx context.Context) ([]schema.Product, error) {
	var out []RemoteProduct
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get(RouteProducts)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	products := make([]schema.Product, 0, len(out))
	for _, rp := range out {
		products = append(products, schema.Product{
			Code:     rp.Code,
			Name:     rp.Name,
			Price:    rp.Price,
			Stock:    rp.Stock,
			MinStock: rp.MinStock,
			Active:   rp.Active,
			RemoteID: rp.ID,
		})
	}
	return products, nil
}

func checkStatus(resp *resty.Response) error {
	if !resp.IsError() && resp.StatusCode() < 300 {
		return nil
	}
	body := resp.String()
	if len(body) > 200 {
		body = body[:200]
	}
	return &StatusError{
		Method: resp.Request.Method,
		Path:   resp.Request.URL,
		Code:   resp.StatusCode(),
		Body:   body,
	}
}
