// Package api exposes a node's admin/introspection HTTP surface: stats,
// Merkle root, peer membership, and an endpoint to trigger one
// anti-entropy round on demand, plus POST /command, which executes a
// read or write locally against this node. It is not the replication
// path: change events travel between nodes over the bus per spec §6.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"merklekv/internal/command"
	"merklekv/internal/node"
)

// Handler holds the dependencies injected from main.
type Handler struct {
	n *node.Node
}

// NewHandler creates a Handler bound to n.
func NewHandler(n *node.Node) *Handler {
	return &Handler{n: n}
}

// Register mounts all routes on r.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/stats", h.Stats)
	r.GET("/merkle/root", h.MerkleRoot)

	peers := r.Group("/peers")
	peers.GET("", h.ListPeers)
	peers.POST("/:id", h.AddPeer)
	peers.DELETE("/:id", h.RemovePeer)
	peers.POST("/:id/sync", h.TriggerSync)

	cmd := r.Group("/command")
	cmd.POST("", h.ExecuteCommand)
}

// Stats handles GET /stats.
func (h *Handler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"merkle_root": fmt.Sprintf("%x", h.n.RootHash()),
		"peers":       h.n.Peers().AlivePeers(),
	})
}

// MerkleRoot handles GET /merkle/root.
func (h *Handler) MerkleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"root_hash": fmt.Sprintf("%x", h.n.RootHash())})
}

// ListPeers handles GET /peers.
func (h *Handler) ListPeers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"peers": h.n.Peers().AlivePeers()})
}

// AddPeer handles POST /peers/:id — registers or revives a known peer so
// anti-entropy rounds can target it.
func (h *Handler) AddPeer(c *gin.Context) {
	id := c.Param("id")
	h.n.Peers().Add(id)
	c.JSON(http.StatusOK, gin.H{"added": id})
}

// RemovePeer handles DELETE /peers/:id.
func (h *Handler) RemovePeer(c *gin.Context) {
	id := c.Param("id")
	h.n.Peers().Remove(id)
	c.JSON(http.StatusOK, gin.H{"removed": id})
}

// TriggerSync handles POST /peers/:id/sync — runs one anti-entropy round
// against the named peer immediately, outside the node's normal interval,
// and reports the outcome.
func (h *Handler) TriggerSync(c *gin.Context) {
	id := c.Param("id")
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	result := h.n.TriggerSync(ctx, id)
	if result.Err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": result.Err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"hashes_matched": result.HashesMatched,
		"keys_synced":    result.KeysSynced,
	})
}

// ExecuteCommand handles POST /command — a convenience entry point for
// issuing a command locally without going through the bus (e.g. for
// operators or integration tests colocated with the node process).
func (h *Handler) ExecuteCommand(c *gin.Context) {
	var req command.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := command.NormalizeID(req.ID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.ID = id
	c.JSON(http.StatusOK, h.n.Execute(req))
}
