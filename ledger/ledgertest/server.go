// Package ledgertest serves an in-memory JSON-RPC ledger for tests.
package ledgertest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
)

type Server struct {
	*httptest.Server

	Database string
	Username string
	APIKey   string
	UID      int64

	mu      sync.Mutex
	models  map[string]map[int64]map[string]interface{}
	failing map[string]string
	calls   []string
	logins  int
}

// NewServer starts a fake ledger accepting the given credentials.
func NewServer(database, username, apiKey string) *Server {
	s := &Server{
		Database: database,
		Username: username,
		APIKey:   apiKey,
		UID:      2,
		models:   map[string]map[int64]map[string]interface{}{},
		failing:  map[string]string{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Put stores or replaces a record. rec must carry a numeric "id".
func (s *Server) Put(model string, rec map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := toInt(rec["id"])
	if s.models[model] == nil {
		s.models[model] = map[int64]map[string]interface{}{}
	}
	s.models[model][id] = rec
}

// Fail makes every call on model return an rpc error with message.
func (s *Server) Fail(model, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[model] = message
}

// Calls lists "model.method" for every execute_kw received.
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Logins counts authenticate calls, accepted or not.
func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

type request struct {
	ID     int64 `json:"id"`
	Params struct {
		Service string            `json:"service"`
		Method  string            `json:"method"`
		Args    []json.RawMessage `json:"args"`
	} `json:"params"`
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/jsonrpc" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result, rpcErr := s.dispatch(req)
	resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
	if rpcErr != "" {
		resp["error"] = map[string]interface{}{
			"code":    200,
			"message": "Odoo Server Error",
			"data":    map[string]interface{}{"name": "odoo.exceptions.UserError", "message": rpcErr},
		}
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) dispatch(req request) (interface{}, string) {
	args := req.Params.Args
	switch req.Params.Service + "." + req.Params.Method {
	case "common.authenticate":
		var db, user, key string
		if len(args) < 3 {
			return nil, "missing arguments"
		}
		_ = json.Unmarshal(args[0], &db)
		_ = json.Unmarshal(args[1], &user)
		_ = json.Unmarshal(args[2], &key)
		s.mu.Lock()
		s.logins++
		s.mu.Unlock()
		if db == s.Database && user == s.Username && key == s.APIKey {
			return s.UID, ""
		}
		return false, ""
	case "object.execute_kw":
		if len(args) < 6 {
			return nil, "missing arguments"
		}
		var uid int64
		var key, model, method string
		_ = json.Unmarshal(args[1], &uid)
		_ = json.Unmarshal(args[2], &key)
		_ = json.Unmarshal(args[3], &model)
		_ = json.Unmarshal(args[4], &method)
		if uid != s.UID || key != s.APIKey {
			return nil, "Access Denied"
		}
		var positional []json.RawMessage
		_ = json.Unmarshal(args[5], &positional)
		kwargs := map[string]json.RawMessage{}
		if len(args) > 6 {
			_ = json.Unmarshal(args[6], &kwargs)
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		s.calls = append(s.calls, model+"."+method)
		if msg, ok := s.failing[model]; ok {
			return nil, msg
		}
		switch method {
		case "search":
			return s.search(model, positional, kwargs)
		case "read":
			return s.read(model, positional, kwargs)
		}
		return nil, "unsupported method " + method
	}
	return nil, "unsupported service"
}

func (s *Server) search(model string, positional []json.RawMessage, kwargs map[string]json.RawMessage) (interface{}, string) {
	var domain [][]interface{}
	if len(positional) > 0 {
		if err := json.Unmarshal(positional[0], &domain); err != nil {
			return nil, "invalid domain"
		}
	}
	var limit, offset int
	var order string
	_ = json.Unmarshal(kwargs["limit"], &limit)
	_ = json.Unmarshal(kwargs["offset"], &offset)
	_ = json.Unmarshal(kwargs["order"], &order)

	ids := []int64{}
	for id, rec := range s.models[model] {
		if matches(rec, domain) {
			ids = append(ids, id)
		}
	}
	desc := strings.HasSuffix(strings.TrimSpace(order), "desc")
	sort.Slice(ids, func(i, j int) bool {
		if desc {
			return ids[i] > ids[j]
		}
		return ids[i] < ids[j]
	})
	if offset >= len(ids) {
		return []int64{}, ""
	}
	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	return ids, ""
}

func (s *Server) read(model string, positional []json.RawMessage, kwargs map[string]json.RawMessage) (interface{}, string) {
	var ids []int64
	if len(positional) > 0 {
		_ = json.Unmarshal(positional[0], &ids)
	}
	var fields []string
	_ = json.Unmarshal(kwargs["fields"], &fields)
	out := []map[string]interface{}{}
	for _, id := range ids {
		rec, ok := s.models[model][id]
		if !ok {
			continue
		}
		if len(fields) == 0 {
			out = append(out, rec)
			continue
		}
		picked := map[string]interface{}{"id": rec["id"]}
		for _, f := range fields {
			if v, ok := rec[f]; ok {
				picked[f] = v
			} else {
				picked[f] = false
			}
		}
		out = append(out, picked)
	}
	return out, ""
}

func matches(rec map[string]interface{}, domain [][]interface{}) bool {
	for _, cond := range domain {
		if len(cond) != 3 {
			return false
		}
		field, _ := cond[0].(string)
		op, _ := cond[1].(string)
		if !compare(rec[field], op, cond[2]) {
			return false
		}
	}
	return true
}

func compare(have interface{}, op string, want interface{}) bool {
	switch op {
	case "=":
		return fmt.Sprint(have) == fmt.Sprint(want)
	case "!=":
		return fmt.Sprint(have) != fmt.Sprint(want)
	case "in":
		list, _ := want.([]interface{})
		for _, v := range list {
			if fmt.Sprint(have) == fmt.Sprint(v) {
				return true
			}
		}
		return false
	case ">=", "<=", ">", "<":
		a, b := fmt.Sprint(have), fmt.Sprint(want)
		switch op {
		case ">=":
			return a >= b
		case "<=":
			return a <= b
		case ">":
			return a > b
		default:
			return a < b
		}
	}
	return false
}

func toInt(v interface{}) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}
