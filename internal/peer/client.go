package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/datafold/datafold/internal/engine"
	"github.com/datafold/datafold/internal/errs"
)

// Client forwards queries and mutations to other nodes over the signed
// HTTP wire protocol.
type Client struct {
	id         *Identity
	trust      *TrustGraph
	httpClient *http.Client
}

// NewClient creates a Client that signs outgoing envelopes with id's key.
func NewClient(id *Identity, trust *TrustGraph) *Client {
	return &Client{id: id, trust: trust, httpClient: &http.Client{Timeout: 10 * time.Second}}
}

func (c *Client) post(ctx context.Context, nodeID string, op Op, payload interface{}, path string) (*http.Response, error) {
	peerInfo, ok := c.trust.Peer(nodeID)
	if !ok {
		return nil, &errs.RemoteError{NodeID: nodeID, Cause: fmt.Errorf("node is not a known peer")}
	}

	env, err := Sign(c.id, op, payload)
	if err != nil {
		return nil, &errs.RemoteError{NodeID: nodeID, Cause: err}
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, &errs.RemoteError{NodeID: nodeID, Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+peerInfo.Address+path, bytes.NewReader(raw))
	if err != nil {
		return nil, &errs.RemoteError{NodeID: nodeID, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &errs.RemoteError{NodeID: nodeID, Cause: err}
	}
	return resp, nil
}

// QueryRemote wraps a query, signs it with the local node key, sends it
// to nodeID, and returns the peer's response. The remote node computes
// trust distance and enforces permissions under its own policy using the
// caller's embedded public key.
func (c *Client) QueryRemote(ctx context.Context, nodeID, schema string, fields []string, filter *engine.Filter) (*engine.QueryResult, error) {
	resp, err := c.post(ctx, nodeID, OpQuery, QueryPayload{Schema: schema, Fields: fields, Filter: filter}, "/peer/query")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, remoteErrorFromResponse(nodeID, resp)
	}
	var result engine.QueryResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &errs.RemoteError{NodeID: nodeID, Cause: err}
	}
	return &result, nil
}

// MutateRemote wraps a mutation, signs it, and sends it to nodeID.
func (c *Client) MutateRemote(ctx context.Context, nodeID string, m engine.Mutation) error {
	resp, err := c.post(ctx, nodeID, OpMutate, MutatePayload{Schema: m.Schema, Type: m.Type, Fields: m.Fields}, "/peer/mutate")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return remoteErrorFromResponse(nodeID, resp)
	}
	return nil
}

func remoteErrorFromResponse(nodeID string, resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body.Error == "" {
		body.Error = resp.Status
	}
	return &errs.RemoteError{NodeID: nodeID, Cause: fmt.Errorf("%s", body.Error)}
}
