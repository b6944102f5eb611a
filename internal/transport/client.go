package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	coreerrors "github.com/kevklatman/distfs/internal/errors"
	"github.com/kevklatman/distfs/internal/model"
	"github.com/kevklatman/distfs/internal/util"
)

// Wire headers for versioned payloads.
const (
	HeaderVersion   = "X-Version"
	HeaderTimestamp = "X-Timestamp"
	HeaderChecksum  = "X-Checksum"
)

// PeerClient is the peer-to-peer transport consumed by the replication
// engine and the coordinator. Any request/response transport with these
// semantics satisfies the contract.
type PeerClient interface {
	// PutData pushes one versioned payload to a node and verifies the
	// node's checksum echo.
	PutData(ctx context.Context, node model.NodeRecord, dataID string, rec model.VersionedRecord) error

	// GetData fetches a node's copy of a data item.
	GetData(ctx context.Context, node model.NodeRecord, dataID string) (model.VersionedRecord, error)

	// DeleteData removes a node's copy of a data item.
	DeleteData(ctx context.Context, node model.NodeRecord, dataID string) error

	// Rollback tells a node to discard a write that failed its
	// consistency level.
	Rollback(ctx context.Context, node model.NodeRecord, dataID string, version int64) error

	// GetMetrics fetches a lightweight metrics snapshot from a node.
	GetMetrics(ctx context.Context, node model.NodeRecord) (model.NodeMetrics, error)
}

// HTTPPeerClient implements PeerClient over plain HTTP.
type HTTPPeerClient struct {
	client     *http.Client
	maxRetries int
	backoff    time.Duration
	logger     *zap.Logger
}

// NewHTTPPeerClient creates a peer client. Retries with backoff happen
// only inside PutData, the write-to-one-node primitive; everything else
// is single-shot and the caller owns retry policy.
func NewHTTPPeerClient(timeout time.Duration, logger *zap.Logger) *HTTPPeerClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPPeerClient{
		client:     &http.Client{Timeout: timeout},
		maxRetries: 2,
		backoff:    100 * time.Millisecond,
		logger:     logger,
	}
}

func dataURL(node model.NodeRecord, dataID string) string {
	return fmt.Sprintf("http://%s/data/%s", node.Address, dataID)
}

// PutData implements PeerClient.
func (c *HTTPPeerClient) PutData(ctx context.Context, node model.NodeRecord, dataID string, rec model.VersionedRecord) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff << (attempt - 1)):
			}
		}

		lastErr = c.putOnce(ctx, node, dataID, rec)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Debug("replica put attempt failed",
			zap.String("node_id", node.NodeID),
			zap.String("data_id", dataID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
	}
	return lastErr
}

func (c *HTTPPeerClient) putOnce(ctx context.Context, node model.NodeRecord, dataID string, rec model.VersionedRecord) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, dataURL(node, dataID), bytes.NewReader(rec.Content))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(HeaderVersion, strconv.FormatInt(rec.Version, 10))
	req.Header.Set(HeaderTimestamp, rec.Timestamp.UTC().Format(time.RFC3339Nano))
	req.Header.Set(HeaderChecksum, rec.Checksum)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("replica write to %s failed: HTTP %d: %s", node.NodeID, resp.StatusCode, string(body))
	}

	// The node echoes the checksum of what it durably stored.
	echo := resp.Header.Get(HeaderChecksum)
	if echo != rec.Checksum {
		return coreerrors.ChecksumFailed(rec.Checksum, echo)
	}
	return nil
}

// GetData implements PeerClient.
func (c *HTTPPeerClient) GetData(ctx context.Context, node model.NodeRecord, dataID string) (model.VersionedRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dataURL(node, dataID), nil)
	if err != nil {
		return model.VersionedRecord{}, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return model.VersionedRecord{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return model.VersionedRecord{}, coreerrors.NotFound(dataID)
	}
	if resp.StatusCode != http.StatusOK {
		return model.VersionedRecord{}, fmt.Errorf("read from %s failed: HTTP %d", node.NodeID, resp.StatusCode)
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.VersionedRecord{}, err
	}

	version, _ := strconv.ParseInt(resp.Header.Get(HeaderVersion), 10, 64)
	ts, _ := time.Parse(time.RFC3339Nano, resp.Header.Get(HeaderTimestamp))
	checksum := resp.Header.Get(HeaderChecksum)
	if checksum != "" && !util.ValidateChecksum(content, checksum) {
		return model.VersionedRecord{}, coreerrors.ChecksumFailed(checksum, util.ChecksumHex(content))
	}

	return model.VersionedRecord{
		Content:   content,
		Version:   version,
		Timestamp: ts,
		Checksum:  checksum,
	}, nil
}

// DeleteData implements PeerClient.
func (c *HTTPPeerClient) DeleteData(ctx context.Context, node model.NodeRecord, dataID string) error {
	return c.delete(ctx, node, dataURL(node, dataID))
}

// Rollback implements PeerClient.
func (c *HTTPPeerClient) Rollback(ctx context.Context, node model.NodeRecord, dataID string, version int64) error {
	url := fmt.Sprintf("%s?op=rollback&version=%d", dataURL(node, dataID), version)
	return c.delete(ctx, node, url)
}

func (c *HTTPPeerClient) delete(ctx context.Context, node model.NodeRecord, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete on %s failed: HTTP %d", node.NodeID, resp.StatusCode)
	}
	return nil
}

// GetMetrics implements PeerClient.
func (c *HTTPPeerClient) GetMetrics(ctx context.Context, node model.NodeRecord) (model.NodeMetrics, error) {
	url := fmt.Sprintf("http://%s/metrics", node.Address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return model.NodeMetrics{}, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return model.NodeMetrics{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.NodeMetrics{}, fmt.Errorf("metrics probe of %s failed: HTTP %d", node.NodeID, resp.StatusCode)
	}

	var m model.NodeMetrics
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return model.NodeMetrics{}, fmt.Errorf("decode metrics from %s: %w", node.NodeID, err)
	}
	return m, nil
}
