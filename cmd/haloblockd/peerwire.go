package main

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"haloblock/core"
)

// maxPeerWireBatch mirrors the public /block range cap: requested blocks
// are capped at 50 per round.
const maxPeerWireBatch = 50

// NewPeerWireRouter builds the node-to-node wire endpoint a remote
// HTTPPeerClient talks to, kept on a distinct gorilla/mux router from the
// chi-based human query surface — wallet API and main CLI-facing surface
// live on separate routers too (walletserver/routes vs. cmd/cli), a split
// this repo reuses to separate "peer protocol" from "operator query
// surface".
func (n *Node) NewPeerWireRouter() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/tip", n.wireTip).Methods(http.MethodGet)
	r.HandleFunc("/blocks", n.wireBlocks).Methods(http.MethodGet)
	return r
}

func (n *Node) wireTip(w http.ResponseWriter, r *http.Request) {
	length, err := n.sdb.Length()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	diff, err := n.sdb.DiffLength()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	var tipHash core.Hash
	hasTip, err := n.sdb.HasTip()
	if err == nil && hasTip {
		if tip, err := n.sdb.BlockAtHeight(length); err == nil {
			tipHash, _ = tip.BlockHash()
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"length":      length,
		"diff_length": diff.RatString(),
		"tip_hash":    tipHash,
	})
}

func (n *Node) wireBlocks(w http.ResponseWriter, r *http.Request) {
	fromStr := r.URL.Query().Get("from")
	limitStr := r.URL.Query().Get("limit")
	from, err := strconv.ParseUint(fromStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 || limit > maxPeerWireBatch {
		limit = maxPeerWireBatch
	}
	var blocks []*core.Block
	for h := from; h < from+uint64(limit); h++ {
		b, err := n.sdb.BlockAtHeight(h)
		if err != nil {
			break
		}
		blocks = append(blocks, b)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"blocks": blocks})
}
