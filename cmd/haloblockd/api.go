package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"haloblock/core"
)

// maxBlockRange caps a /block range query at 50 heights per request.
const maxBlockRange = 50

// Node bundles the running services an HTTP handler needs, a
// controller-holds-services pattern (walletserver/controllers).
type Node struct {
	sdb     *core.StateDB
	mempool *core.Mempool
	engine  *core.Engine
	forks   *core.ForkLog
	nodeID  string

	walletPriv *btcec.PrivateKey
	walletAddr core.Address

	miner   *MinerController
	log     *logrus.Entry
}

// NewAPIRouter builds the chi router serving the node's HTTP query
// surface plus /forks, a chi-based cmd wiring and
// walletserver/middleware.Logger pattern adapted to logrus's
// request-logging convention used elsewhere in this repo.
func (n *Node) NewAPIRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(n.logRequests)

	r.Get("/blockcount", n.handleBlockcount)
	r.Get("/block", n.handleBlock)
	r.Get("/balance", n.handleBalance)
	r.Get("/history", n.handleHistory)
	r.Get("/difficulty", n.handleDifficulty)
	r.Get("/txs", n.handleTxs)
	r.Post("/send", n.handleSend)
	r.Get("/peers", n.handlePeers)
	r.Get("/node_id", n.handleNodeID)
	r.Get("/start_miner", n.handleStartMiner)
	r.Get("/stop_miner", n.handleStopMiner)
	r.Get("/stop", n.handleStop)
	r.Get("/forks", n.handleForks)
	r.Get("/account", n.handleAccount)
	return r
}

func (n *Node) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		n.log.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Debug("handled request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (n *Node) handleBlockcount(w http.ResponseWriter, r *http.Request) {
	length, err := n.sdb.Length()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	known, err := n.sdb.KnownLength()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"length": length, "known_length": known})
}

func (n *Node) handleBlock(w http.ResponseWriter, r *http.Request) {
	if advisory, syncing := n.syncLagAdvisory(); syncing {
		writeJSON(w, http.StatusOK, map[string]string{"status": advisory})
		return
	}
	q := r.URL.Query().Get("number")
	if q == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing number"))
		return
	}
	var lo, hi uint64
	if strings.Contains(q, "-") {
		parts := strings.SplitN(q, "-", 2)
		a, err1 := strconv.ParseUint(parts[0], 10, 64)
		b, err2 := strconv.ParseUint(parts[1], 10, 64)
		if err1 != nil || err2 != nil || b < a {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid range %q", q))
			return
		}
		lo, hi = a, b
	} else {
		h, err := strconv.ParseUint(q, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid number %q", q))
			return
		}
		lo, hi = h, h
	}
	if hi-lo+1 > maxBlockRange {
		hi = lo + maxBlockRange - 1
	}
	var blocks []*core.Block
	for h := lo; h <= hi; h++ {
		b, err := n.sdb.BlockAtHeight(h)
		if err != nil {
			break
		}
		blocks = append(blocks, b)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"blocks": blocks})
}

// syncLagAdvisory checks whether the local node is still catching up to its
// peers' reported best height. While known_length exceeds length, any
// chain-derived answer could be stale, so handlers return the advisory
// string "length-known_length" in place of their normal payload.
func (n *Node) syncLagAdvisory() (string, bool) {
	length, err := n.sdb.Length()
	if err != nil {
		return "", false
	}
	known, err := n.sdb.KnownLength()
	if err != nil {
		return "", false
	}
	if known > length {
		return fmt.Sprintf("%d-%d", length, known), true
	}
	return "", false
}

func (n *Node) handleBalance(w http.ResponseWriter, r *http.Request) {
	if advisory, syncing := n.syncLagAdvisory(); syncing {
		writeJSON(w, http.StatusOK, map[string]string{"status": advisory})
		return
	}
	addrStr := r.URL.Query().Get("address")
	addr, err := core.StringToAddress(addrStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	acct, err := n.sdb.GetAccount(addr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"balance": acct.Amount})
}

type historyEntry struct {
	Kind  string `json:"kind"` // send | recv | mine
	Block uint64 `json:"block"`
}

func (n *Node) handleHistory(w http.ResponseWriter, r *http.Request) {
	if advisory, syncing := n.syncLagAdvisory(); syncing {
		writeJSON(w, http.StatusOK, map[string]string{"status": advisory})
		return
	}
	addrStr := r.URL.Query().Get("address")
	addr, err := core.StringToAddress(addrStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	acct, err := n.sdb.GetAccount(addr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	out := map[string][]historyEntry{"send": {}, "recv": {}, "mine": {}}
	for _, h := range acct.MinedBlocks {
		out["mine"] = append(out["mine"], historyEntry{Kind: "mine", Block: h})
	}
	for _, h := range acct.TxBlocks {
		b, err := n.sdb.BlockAtHeight(h)
		if err != nil {
			continue
		}
		for _, t := range b.Txs {
			if t.Type != core.TxSpend {
				continue
			}
			owner, err := t.Owner()
			if err == nil && owner == addr {
				out["send"] = append(out["send"], historyEntry{Kind: "send", Block: h})
			}
			if t.HasTo && t.To == addr {
				out["recv"] = append(out["recv"], historyEntry{Kind: "recv", Block: h})
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (n *Node) handleDifficulty(w http.ResponseWriter, r *http.Request) {
	if advisory, syncing := n.syncLagAdvisory(); syncing {
		writeJSON(w, http.StatusOK, map[string]string{"status": advisory})
		return
	}
	length, err := n.sdb.Length()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	hasTip, err := n.sdb.HasTip()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	next := length
	if hasTip {
		next = length + 1
	}
	target, err := n.sdb.TargetAt(next)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"target": fmt.Sprintf("%x", target[:])})
}

func (n *Node) handleTxs(w http.ResponseWriter, r *http.Request) {
	if advisory, syncing := n.syncLagAdvisory(); syncing {
		writeJSON(w, http.StatusOK, map[string]string{"status": advisory})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"txs": n.mempool.All()})
}

type sendRequest struct {
	Amount  uint64 `json:"amount"`
	To      string `json:"to"`
	Message string `json:"message"`
	Wallet  string `json:"wallet"`
}

func (n *Node) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Wallet != "" && req.Wallet != n.walletAddr.String() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("wallet %q is not loaded on this node", req.Wallet))
		return
	}
	to, err := core.StringToAddress(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	acct, err := n.sdb.GetAccount(n.walletAddr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	t := core.Transaction{
		Type:    core.TxSpend,
		Count:   acct.Count,
		PubKeys: [][]byte{n.walletPriv.PubKey().SerializeCompressed()},
		Amount:  req.Amount,
		To:      to,
		HasTo:   true,
		Message: []byte(req.Message),
	}
	digest, err := t.SignDigest()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	t.Signatures = [][]byte{core.Sign(digest, n.walletPriv)}

	if err := n.engine.SubmitTx(t); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, _ := t.TxID()
	writeJSON(w, http.StatusOK, map[string]string{"txid": id.String()})
}

func (n *Node) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"peers": n.miner.peerAddrs()})
}

func (n *Node) handleNodeID(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"node_id": n.nodeID})
}

func (n *Node) handleStartMiner(w http.ResponseWriter, r *http.Request) {
	n.miner.Start()
	writeJSON(w, http.StatusOK, map[string]string{"status": "mining"})
}

func (n *Node) handleStopMiner(w http.ResponseWriter, r *http.Request) {
	n.miner.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (n *Node) handleStop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
	go n.miner.shutdownFn()
}

func (n *Node) handleForks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"forks": n.forks.Recent()})
}

// handleAccount exposes the full Account record, including AssignedJob,
// for collaborators like cmd/powerworker that need more than a balance.
func (n *Node) handleAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := core.StringToAddress(r.URL.Query().Get("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	acct, err := n.sdb.GetAccount(addr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}
