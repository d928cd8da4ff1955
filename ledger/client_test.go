package ledger_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/erpsync_backend/ledger"
	"github.com/mmdatafocus/erpsync_backend/ledger/ledgertest"
)

func newSession(t *testing.T) (*ledgertest.Server, *ledger.Session) {
	t.Helper()
	srv := ledgertest.NewServer("acme", "sync@acme.test", "secret")
	t.Cleanup(srv.Close)
	client := ledger.NewClient(5*time.Second, 0)
	sess, err := client.Authenticate(context.Background(), ledger.Credentials{
		URL: srv.URL, DatabaseName: "acme", Username: "sync@acme.test", APIKey: "secret",
	})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	return srv, sess
}

func TestAuthenticateRejectsBadKey(t *testing.T) {
	srv := ledgertest.NewServer("acme", "sync@acme.test", "secret")
	defer srv.Close()

	client := ledger.NewClient(5*time.Second, 0)
	_, err := client.Authenticate(context.Background(), ledger.Credentials{
		URL: srv.URL, DatabaseName: "acme", Username: "sync@acme.test", APIKey: "wrong",
	})
	if !errors.Is(err, ledger.ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestAuthenticateValidatesCredentials(t *testing.T) {
	client := ledger.NewClient(time.Second, 0)
	_, err := client.Authenticate(context.Background(), ledger.Credentials{URL: "not a url"})
	if !errors.Is(err, ledger.ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestAuthenticateUnreachable(t *testing.T) {
	client := ledger.NewClient(time.Second, 0)
	_, err := client.Authenticate(context.Background(), ledger.Credentials{
		URL: "http://127.0.0.1:1", DatabaseName: "x", Username: "u", APIKey: "k",
	})
	if !errors.Is(err, ledger.ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestSearchFiltersPagesAndOrders(t *testing.T) {
	srv, sess := newSession(t)
	for i := 1; i <= 5; i++ {
		moveType := "out_invoice"
		if i == 3 {
			moveType = "in_invoice"
		}
		srv.Put("account.move", map[string]interface{}{"id": i, "move_type": moveType})
	}

	domain := ledger.Domain{ledger.Where("move_type", "in", []string{"out_invoice", "out_refund"})}
	ids, err := sess.Search(context.Background(), "account.move", domain, ledger.SearchOptions{Limit: 2, Order: "id desc"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(ids) != 2 || ids[0] != 5 || ids[1] != 4 {
		t.Fatalf("unexpected first page: %v", ids)
	}

	ids, err = sess.Search(context.Background(), "account.move", domain, ledger.SearchOptions{Limit: 2, Offset: 2, Order: "id desc"})
	if err != nil {
		t.Fatalf("search page 2: %v", err)
	}
	if len(ids) != 2 || ids[0] != 2 || ids[1] != 1 {
		t.Fatalf("unexpected second page: %v", ids)
	}
}

func TestReadKeepsRawShapes(t *testing.T) {
	srv, sess := newSession(t)
	srv.Put("res.partner", map[string]interface{}{
		"id":         55,
		"name":       "Acme",
		"vat":        "76.123.456-7",
		"country_id": []interface{}{12, "Chile"},
		"email":      false,
	})

	recs, err := sess.Read(context.Background(), "res.partner", []int64{55}, []string{"name", "vat", "country_id", "email"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	rec := recs[0]
	if id, ok := rec.ID(); !ok || id != 55 {
		t.Fatalf("unexpected id: %v", rec["id"])
	}
	if _, ok := rec["id"].(json.Number); !ok {
		t.Fatalf("expected json.Number id, got %T", rec["id"])
	}
	if cid, ok := rec.RelationID("country_id"); !ok || cid != 12 {
		t.Fatalf("unexpected relation id: %v", rec["country_id"])
	}
	if rec["email"] != false {
		t.Fatalf("expected false for empty email, got %#v", rec["email"])
	}
}

func TestReadEmptyIdsSkipsCall(t *testing.T) {
	srv, sess := newSession(t)
	recs, err := sess.Read(context.Background(), "account.move", nil, nil)
	if err != nil || recs != nil {
		t.Fatalf("expected nil, nil; got %v, %v", recs, err)
	}
	if len(srv.Calls()) != 0 {
		t.Fatalf("unexpected calls: %v", srv.Calls())
	}
}

func TestRPCErrorSurfaces(t *testing.T) {
	srv, sess := newSession(t)
	srv.Fail("account.move", "boom")

	_, err := sess.Search(context.Background(), "account.move", nil, ledger.SearchOptions{})
	var rpcErr *ledger.RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected RPCError, got %v", err)
	}
	if rpcErr.Data.Message != "boom" {
		t.Fatalf("unexpected message: %q", rpcErr.Data.Message)
	}
}

func TestRecordIDs(t *testing.T) {
	rec := ledger.Record{"invoice_line_ids": []interface{}{json.Number("7"), float64(8), "x"}}
	ids := rec.IDs("invoice_line_ids")
	if len(ids) != 2 || ids[0] != 7 || ids[1] != 8 {
		t.Fatalf("unexpected ids: %v", ids)
	}
}
