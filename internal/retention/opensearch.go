package retention

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"

	"github.com/telhawk-systems/telhawk-syslog/internal/event"
)

// OpenSearchConfig holds connection settings for the index-based backend.
type OpenSearchConfig struct {
	URL           string
	Username      string
	Password      string
	TLSSkipVerify bool
	IndexPrefix   string
}

// OpenSearchBackend stores each retention partition as its own index, so a
// partition drop is a single index deletion.
type OpenSearchBackend struct {
	client *opensearch.Client
	prefix string
}

// NewOpenSearchBackend creates the backend and verifies connectivity.
func NewOpenSearchBackend(cfg OpenSearchConfig) (*OpenSearchBackend, error) {
	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.TLSSkipVerify,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create opensearch client: %w", err)
	}

	info, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("connect to opensearch: %w", err)
	}
	defer info.Body.Close()
	if info.IsError() {
		return nil, fmt.Errorf("opensearch returned error: %s", info.Status())
	}

	prefix := cfg.IndexPrefix
	if prefix == "" {
		prefix = "syslog-events"
	}
	return &OpenSearchBackend{client: client, prefix: prefix}, nil
}

// indexName maps a partition key onto its index.
func (b *OpenSearchBackend) indexName(partitionKey string) string {
	return b.prefix + "-" + strings.ToLower(partitionKey)
}

// AppendEvent indexes the event into the partition's index.
func (b *OpenSearchBackend) AppendEvent(ctx context.Context, partitionKey string, ev *event.Event) error {
	req := opensearchapi.IndexRequest{
		Index:      b.indexName(partitionKey),
		DocumentID: ev.ID,
		Body:       opensearchutil.NewJSONReader(ev),
	}
	res, err := req.Do(ctx, b.client)
	if err != nil {
		return fmt.Errorf("index event: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("index event: %s - %s", res.Status(), string(body))
	}
	return nil
}

// DropPartition deletes the partition's index. A missing index is not an
// error: the partition may never have received a durable write.
func (b *OpenSearchBackend) DropPartition(ctx context.Context, partitionKey string) error {
	res, err := b.client.Indices.Delete(
		[]string{b.indexName(partitionKey)},
		b.client.Indices.Delete.WithContext(ctx),
		b.client.Indices.Delete.WithIgnoreUnavailable(true),
	)
	if err != nil {
		return fmt.Errorf("delete index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("delete index: %s - %s", res.Status(), string(body))
	}
	return nil
}
