// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"fmt"

	"github.com/absmach/meshprobe/transport"
)

// Management status codes.
const (
	statusOK             = int32(200)
	statusBadRequest     = int32(400)
	statusNotImplemented = int32(501)
)

// Router node entity type, as exposed by qpid-dispatch management.
const entityTypeNode = "org.apache.qpid.dispatch.router.node"

var nodeAttributes = []any{"name", "id", "address", "nextHop", "cost"}

// handleManagement answers a management request. Only QUERY of router
// nodes is supported.
func (r *Router) handleManagement(req *transport.Message) *transport.Message {
	if req == nil || req.Properties == nil {
		return statusResponse(req, statusBadRequest, "missing application-properties")
	}

	operation, _ := req.Properties["operation"].(string)
	entityType, _ := req.Properties["entityType"].(string)

	if operation != "QUERY" {
		return statusResponse(req, statusNotImplemented, fmt.Sprintf("unsupported operation: %s", operation))
	}
	if entityType != entityTypeNode {
		return statusResponse(req, statusNotImplemented, fmt.Sprintf("unsupported entity type: %s", entityType))
	}

	results := make([]any, 0, len(r.nodes))
	for _, n := range r.nodes {
		results = append(results, []any{n.Name, n.ID, n.Address, n.NextHop, int64(n.Cost)})
	}

	resp := statusResponse(req, statusOK, "OK")
	resp.Body = map[string]any{
		"attributeNames": nodeAttributes,
		"results":        results,
	}
	return resp
}

func statusResponse(req *transport.Message, code int32, description string) *transport.Message {
	resp := &transport.Message{
		Properties: map[string]any{
			"statusCode":        code,
			"statusDescription": description,
		},
	}
	if req != nil {
		resp.CorrelationID = req.ID
		resp.To = req.ReplyTo
	}
	return resp
}
