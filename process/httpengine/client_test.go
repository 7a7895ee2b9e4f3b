package httpengine_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-eventually/go-correlator/message"
	"github.com/get-eventually/go-correlator/process"
	"github.com/get-eventually/go-correlator/process/httpengine"
)

func TestClient(t *testing.T) {
	ctx := context.Background()
	receiveID := uuid.New()

	mux := http.NewServeMux()

	mux.HandleFunc("POST /process-instances/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("Authorization"))

		if r.PathValue("id") == "missing" {
			http.Error(w, "process instance not found", http.StatusNotFound)
			return
		}

		var req httpengine.DeliverRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "instance-1", r.PathValue("id"))
		assert.Equal(t, receiveID, req.ReceiveID)
		assert.Equal(t, "Sartography", req.Payload["customer_id"])

		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /process-models/{model}/instances", func(w http.ResponseWriter, r *http.Request) {
		var req httpengine.StartRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Sartography", req.Payload["customer_id"])

		w.Header().Set("Content-Type", httpengine.ContentTypeJSON)
		require.NoError(t, json.NewEncoder(w).Encode(httpengine.InstanceResponse{
			ID:     "instance-2",
			Status: "waiting",
		}))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := httpengine.NewClient(server.URL+"/",
		httpengine.WithHTTPClient(server.Client()),
		httpengine.WithHeader("Authorization", "secret"),
	)

	payload := message.Payload{"customer_id": "Sartography"}

	t.Run("deliver succeeds", func(t *testing.T) {
		err := client.Deliver(ctx, "instance-1", receiveID, payload)
		assert.NoError(t, err)
	})

	t.Run("deliver fails on non-2xx status", func(t *testing.T) {
		err := client.Deliver(ctx, "missing", receiveID, payload)
		assert.ErrorIs(t, err, httpengine.ErrUnexpectedStatus)
		assert.ErrorContains(t, err, "process instance not found")
	})

	t.Run("start instance returns a reference to the new instance", func(t *testing.T) {
		ref, err := client.StartInstance(ctx, "approval_receiver", payload)
		require.NoError(t, err)

		assert.Equal(t, process.Ref{
			ID:      "instance-2",
			ModelID: "approval_receiver",
			Status:  process.StatusWaiting,
		}, ref)
	})
}
