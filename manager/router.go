package manager

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/thaliproject/thali-go/docstore"
	"github.com/thaliproject/thali-go/psktls"
)

// buildRouter constructs the gorilla/mux router with the two-stage
// admission middleware applied to every request (spec §4.8, §6).
func (m *Manager) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(psktls.DevIdentityMiddleware(m.deps.Sender))
	r.Use(m.admissionMiddleware)

	r.HandleFunc("/NotificationBeacons", m.handleNotificationBeacons).Methods(http.MethodGet)

	if m.deps.Store != nil {
		r.HandleFunc("/db", m.handleDB).Methods(http.MethodGet)
		r.HandleFunc("/db/_all_docs", m.handleDB).Methods(http.MethodGet, http.MethodHead, http.MethodPost)
		r.HandleFunc("/db/_changes", m.handleDB).Methods(http.MethodGet, http.MethodPost)
		r.HandleFunc("/db/_bulk_get", m.handleDB).Methods(http.MethodPost)
		r.HandleFunc("/db/_revs_diff", m.handleDB).Methods(http.MethodPost)
		r.HandleFunc("/db/_local/{id}", m.handleDB).Methods(http.MethodGet, http.MethodPut, http.MethodDelete)
		r.HandleFunc("/db/{id}", m.handleDB).Methods(http.MethodGet)
		r.HandleFunc("/db/{id}/attachment", m.handleDB).Methods(http.MethodGet)
	}

	return r
}

// admissionMiddleware implements the two-stage gate from spec §4.8:
// 1. PSK-role assignment from the connection's negotiated identity.
// 2. The ACL table in spec §6, plus the _local/<prefix>{id} ownership
//    restriction for the replication role.
func (m *Manager) admissionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		identity, ok := psktls.IdentityFromContext(req.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		if !aclAllows(identity.Role, req.Method, req.URL.Path) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		if identity.Role == psktls.RoleReplication {
			if id, isLocalSeqPoint := localSeqPointID(req.URL.Path, m.deps.LocalSeqPrefix); isLocalSeqPoint {
				if !ownsLocalSeqPoint(id, identity.PublicKey) {
					http.Error(w, "forbidden", http.StatusForbidden)
					return
				}
			}
		}

		next.ServeHTTP(w, req)
	})
}

// aclAllows implements the table in spec §6. Public role is always denied;
// beacon role may only GET /NotificationBeacons; replication role may use
// the /db surface described there.
func aclAllows(role psktls.Role, method, path string) bool {
	switch role {
	case psktls.RoleBeacon:
		return method == http.MethodGet && path == "/NotificationBeacons"
	case psktls.RoleReplication:
		return replicationACL(method, path)
	default:
		return false
	}
}

func replicationACL(method, path string) bool {
	switch {
	case path == "/db":
		return method == http.MethodGet
	case path == "/db/_all_docs":
		return method == http.MethodGet || method == http.MethodHead || method == http.MethodPost
	case path == "/db/_changes":
		return method == http.MethodGet || method == http.MethodPost
	case path == "/db/_bulk_get", path == "/db/_revs_diff":
		return method == http.MethodPost
	case strings.HasPrefix(path, "/db/_local/"):
		return method == http.MethodGet || method == http.MethodPut || method == http.MethodDelete
	case strings.HasPrefix(path, "/db/"):
		// /db/{id} and /db/{id}/attachment
		return method == http.MethodGet
	default:
		return false
	}
}

// localSeqPointID extracts {id} from a /db/_local/<prefix>{id} path. The
// plain /db/_local/{id} form (no prefix) is not subject to the ownership
// restriction; only paths whose {id} actually begins with prefix are.
func localSeqPointID(path, prefix string) (id string, ok bool) {
	const marker = "/db/_local/"
	if !strings.HasPrefix(path, marker) {
		return "", false
	}
	rest := strings.TrimPrefix(path, marker)
	if prefix == "" || !strings.HasPrefix(rest, prefix) {
		return "", false
	}
	return strings.TrimPrefix(rest, prefix), true
}

// ownsLocalSeqPoint checks spec §4.8/§6: id must equal hashOf(publicKey).
func ownsLocalSeqPoint(id string, publicKey []byte) bool {
	if len(publicKey) == 0 {
		return false
	}
	sum := sha256.Sum256(publicKey)
	return id == hex.EncodeToString(sum[:16])
}

func (m *Manager) handleNotificationBeacons(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(m.deps.Sender.BeaconStream()); err != nil {
		log.WithError(err).Warn("manager: failed writing beacon stream response")
	}
}

func (m *Manager) handleDB(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	id := vars["id"]

	switch {
	case r.URL.Path == "/db" && r.Method == http.MethodGet:
		ids, err := m.deps.Store.AllDocs(ctx, "")
		writeJSONOrError(w, ids, err)
	case r.URL.Path == "/db/_all_docs":
		ids, err := m.deps.Store.AllDocs(ctx, "")
		writeJSONOrError(w, ids, err)
	case r.URL.Path == "/db/_changes":
		since := r.URL.Query().Get("since")
		changes, err := m.deps.Store.Changes(ctx, since)
		writeJSONOrError(w, changes, err)
	case strings.HasPrefix(r.URL.Path, "/db/_local/"):
		handleLocalSeqPoint(w, r, m.deps.Store, id)
	case id != "" && strings.HasSuffix(r.URL.Path, "/attachment"):
		body, err := m.deps.Store.Get(ctx, id)
		writeBytesOrError(w, body, err)
	case id != "":
		body, err := m.deps.Store.Get(ctx, id)
		writeBytesOrError(w, body, err)
	default:
		http.NotFound(w, r)
	}
}

func handleLocalSeqPoint(w http.ResponseWriter, r *http.Request, store docstore.Store, id string) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		body, err := store.Get(ctx, docstore.LocalSeqPointID("", id))
		writeBytesOrError(w, body, err)
	case http.MethodPut:
		defer r.Body.Close()
		buf := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(buf)
		_, err := store.Put(ctx, docstore.LocalSeqPointID("", id), buf)
		writeJSONOrError(w, struct{ OK bool }{err == nil}, err)
	default:
		http.Error(w, "method not supported on local seq point", http.StatusMethodNotAllowed)
	}
}

func writeBytesOrError(w http.ResponseWriter, body []byte, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(body)
}

func writeJSONOrError(w http.ResponseWriter, v any, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}
