package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/drover-io/drover/pkg/journal"
	"github.com/drover-io/drover/pkg/master"
	"github.com/drover-io/drover/pkg/types"
)

// initiateRequest is the POST /operations body
type initiateRequest struct {
	OperationType string         `json:"operationType" binding:"required"`
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Parameters    map[string]any `json:"parameters"`
}

func (s *Server) initiateOperation(c *gin.Context) {
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	action, err := s.deps.Coordinator.Initiate(master.InitiateRequest{
		OperationType: types.OperationType(req.OperationType),
		Name:          req.Name,
		Description:   req.Description,
		Parameters:    req.Parameters,
	}, caller(c))
	switch {
	case errors.Is(err, master.ErrAnotherInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, master.ErrUnsupportedOperation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusAccepted, gin.H{"operationId": action.ID})
	}
}

func (s *Server) getOperation(c *gin.Context) {
	view, err := s.deps.Coordinator.GetStatus(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) cancelOperation(c *gin.Context) {
	resp := s.deps.Coordinator.RequestCancel(c.Param("id"), caller(c))
	c.JSON(http.StatusOK, resp)
}

// operationSummary is one row of the GET /operations listing
type operationSummary struct {
	OperationID   string                   `json:"operationId"`
	OperationType types.OperationType      `json:"operationType"`
	Name          string                   `json:"name,omitempty"`
	Status        types.MasterActionStatus `json:"status"`
	InitiatedBy   string                   `json:"initiatedBy"`
	StartTime     time.Time                `json:"startTime"`
	EndTime       *time.Time               `json:"endTime,omitempty"`
	Live          bool                     `json:"live"`
}

func (s *Server) listOperations(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	var out []operationSummary
	liveID := ""
	if action, ok := s.deps.Coordinator.ActiveAction(); ok {
		liveID = action.ID
		out = append(out, operationSummary{
			OperationID:   action.ID,
			OperationType: action.Type,
			Name:          action.Name,
			Status:        action.Status,
			InitiatedBy:   action.InitiatedBy,
			StartTime:     action.StartTime,
			Live:          true,
		})
	}

	archived, err := s.deps.Journal.ListArchivedActions(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	for _, a := range archived {
		if a.ActionID == liveID {
			continue
		}
		out = append(out, operationSummary{
			OperationID:   a.ActionID,
			OperationType: a.OperationType,
			Name:          a.Name,
			Status:        a.Status,
			InitiatedBy:   a.InitiatedBy,
			StartTime:     a.StartTime,
			EndTime:       a.EndTime,
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	c.JSON(http.StatusOK, gin.H{"operations": out})
}

func (s *Server) listJournal(c *gin.Context) {
	filter := journal.ChangeFilter{
		EventType: c.Query("type"),
		Outcome:   c.Query("outcome"),
	}
	if from := c.Query("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from timestamp"})
			return
		}
		filter.From = t
	}
	if to := c.Query("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to timestamp"})
			return
		}
		filter.To = t
	}
	filter.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	filter.PageSize, _ = strconv.Atoi(c.DefaultQuery("pageSize", "50"))

	changes, total, err := s.deps.Journal.ListChanges(filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"changes": changes, "totalCount": total})
}

// nodeView joins the health snapshot with the expected-node manifest
type nodeView struct {
	NodeName        string                   `json:"nodeName"`
	Status          types.ConnectivityStatus `json:"status"`
	Expected        bool                     `json:"expected"`
	Labels          map[string]string        `json:"labels,omitempty"`
	LastHeartbeat   *time.Time               `json:"lastHeartbeat,omitempty"`
	AgentVersion    string                   `json:"agentVersion,omitempty"`
	CPUUsagePercent float64                  `json:"cpuUsagePercent"`
	RAMUsagePercent float64                  `json:"ramUsagePercent"`
	HealthSummary   string                   `json:"healthSummary,omitempty"`
}

func (s *Server) listNodes(c *gin.Context) {
	expected := make(map[string]types.ExpectedNode)
	if s.deps.Inventory != nil {
		nodes, err := s.deps.Inventory.List()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		for _, n := range nodes {
			expected[n.Name] = n
		}
	}

	var out []nodeView
	for _, st := range s.deps.Fleet.Snapshot() {
		view := nodeView{
			NodeName:        st.NodeName,
			Status:          st.Status,
			LastHeartbeat:   st.LastHeartbeat,
			AgentVersion:    st.AgentVersion,
			CPUUsagePercent: st.CPUUsagePercent,
			RAMUsagePercent: st.RAMUsagePercent,
			HealthSummary:   st.HealthSummary,
		}
		if exp, ok := expected[st.NodeName]; ok {
			view.Expected = true
			view.Labels = exp.Labels
			delete(expected, st.NodeName)
		}
		out = append(out, view)
	}
	// Expected nodes the monitor has never seen still show up.
	for name, exp := range expected {
		out = append(out, nodeView{
			NodeName: name,
			Status:   types.NodeNeverConnected,
			Expected: true,
			Labels:   exp.Labels,
		})
	}
	c.JSON(http.StatusOK, gin.H{"nodes": out})
}

// expectedNodesRequest is the PUT /nodes/expected body
type expectedNodesRequest struct {
	Nodes []struct {
		Name   string            `json:"name" binding:"required"`
		Labels map[string]string `json:"labels"`
	} `json:"nodes" binding:"required"`
}

func (s *Server) replaceExpectedNodes(c *gin.Context) {
	if s.deps.Inventory == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "inventory not configured"})
		return
	}

	var req expectedNodesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	by := caller(c)
	nodes := make([]types.ExpectedNode, 0, len(req.Nodes))
	names := make([]string, 0, len(req.Nodes))
	for _, n := range req.Nodes {
		nodes = append(nodes, types.ExpectedNode{
			Name:    n.Name,
			Labels:  n.Labels,
			AddedAt: time.Now().UTC(),
			AddedBy: by,
		})
		names = append(names, n.Name)
	}

	if err := s.deps.Inventory.ReplaceAll(nodes); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if s.deps.Fleet != nil {
		s.deps.Fleet.SeedExpected(names)
	}
	c.JSON(http.StatusOK, gin.H{"count": len(nodes)})
}
