// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mesh queries router management nodes for the topology of a
// router mesh.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/meshprobe/transport"
	"github.com/google/uuid"
)

// EntityTypeNode is the management entity type of a router node.
const EntityTypeNode = "org.apache.qpid.dispatch.router.node"

var (
	// ErrStatus is returned when a management response has a non-2xx status.
	ErrStatus = errors.New("management request failed")
	// ErrMalformedResponse is returned when a response body cannot be parsed.
	ErrMalformedResponse = errors.New("malformed management response")
)

// Node is a router known to the mesh.
type Node struct {
	Name    string
	ID      string
	Address string
	NextHop string
	Cost    int
}

// Querier lists the nodes of a mesh.
type Querier interface {
	Nodes(ctx context.Context) ([]Node, error)
}

// Management issues management requests over an open connection.
type Management struct {
	conn   transport.Conn
	logger *slog.Logger
}

var _ Querier = (*Management)(nil)

// NewManagement returns a management client using conn. A nil logger uses slog.Default().
func NewManagement(conn transport.Conn, logger *slog.Logger) *Management {
	if logger == nil {
		logger = slog.Default()
	}
	return &Management{conn: conn, logger: logger}
}

// Connect dials the router at rawURL and returns a management client
// that owns the connection.
func Connect(ctx context.Context, d transport.Dialer, rawURL string, logger *slog.Logger) (*Management, error) {
	addr, err := transport.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	conn, err := d.Dial(ctx, addr, transport.ConnOptions{ContainerID: "meshprobe-mgmt-" + uuid.NewString()})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return NewManagement(conn, logger), nil
}

// Close closes the underlying connection.
func (m *Management) Close(ctx context.Context) error {
	return m.conn.Close(ctx)
}

// Query runs a QUERY operation for entityType and returns one map per
// result row keyed by attribute name. No attributes selects all of them.
func (m *Management) Query(ctx context.Context, entityType string, attributes ...string) ([]map[string]any, error) {
	names := make([]any, 0, len(attributes))
	for _, a := range attributes {
		names = append(names, a)
	}
	req := &transport.Message{
		ID: uuid.NewString(),
		Properties: map[string]any{
			"operation":  "QUERY",
			"entityType": entityType,
			"type":       "org.amqp.management",
			"name":       "self",
		},
		Body: map[string]any{"attributeNames": names},
	}

	resp, err := m.conn.Request(ctx, transport.ManagementAddress, req)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", entityType, err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	rows, err := parseResults(resp.Body)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("management query", "entity_type", entityType, "results", len(rows))
	return rows, nil
}

// Nodes returns the router nodes visible from the connected router.
func (m *Management) Nodes(ctx context.Context) ([]Node, error) {
	rows, err := m.Query(ctx, EntityTypeNode, "name", "id", "address", "nextHop", "cost")
	if err != nil {
		return nil, err
	}
	nodes := make([]Node, 0, len(rows))
	for _, row := range rows {
		n := Node{
			Name:    str(row["name"]),
			ID:      str(row["id"]),
			Address: str(row["address"]),
			NextHop: str(row["nextHop"]),
		}
		if c, ok := toInt64(row["cost"]); ok {
			n.Cost = int(c)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// WaitForNodes polls q every interval until at least n nodes are visible
// or ctx ends. Query errors are retried.
func WaitForNodes(ctx context.Context, q Querier, n int, interval time.Duration) ([]Node, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		last    []Node
		lastErr error
	)
	for {
		nodes, err := q.Nodes(ctx)
		if err == nil {
			if len(nodes) >= n {
				return nodes, nil
			}
			last = nodes
		}
		lastErr = err

		select {
		case <-ctx.Done():
			if lastErr != nil && !errors.Is(lastErr, ctx.Err()) {
				return last, errors.Join(ctx.Err(), lastErr)
			}
			return last, fmt.Errorf("%d of %d nodes visible: %w", len(last), n, ctx.Err())
		case <-ticker.C:
		}
	}
}

func checkStatus(resp *transport.Message) error {
	if resp == nil || resp.Properties == nil {
		return fmt.Errorf("%w: missing application-properties", ErrMalformedResponse)
	}
	code, ok := toInt64(resp.Properties["statusCode"])
	if !ok {
		return fmt.Errorf("%w: missing statusCode", ErrMalformedResponse)
	}
	if code < 200 || code > 299 {
		return fmt.Errorf("%w: %d %s", ErrStatus, code, str(resp.Properties["statusDescription"]))
	}
	return nil
}

// parseResults turns an {attributeNames, results} body into rows.
func parseResults(body any) ([]map[string]any, error) {
	m, ok := stringMap(body)
	if !ok {
		return nil, fmt.Errorf("%w: body is %T", ErrMalformedResponse, body)
	}
	names, ok := m["attributeNames"].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: missing attributeNames", ErrMalformedResponse)
	}
	results, ok := m["results"].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: missing results", ErrMalformedResponse)
	}

	rows := make([]map[string]any, 0, len(results))
	for i, r := range results {
		values, ok := r.([]any)
		if !ok || len(values) != len(names) {
			return nil, fmt.Errorf("%w: result %d does not match attributeNames", ErrMalformedResponse, i)
		}
		row := make(map[string]any, len(names))
		for j, name := range names {
			row[str(name)] = values[j]
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// stringMap accepts both map forms an AMQP decoder may produce.
func stringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[str(k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func str(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}
