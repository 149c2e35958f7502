package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ishandhanani/forky/internal/graph"
	"github.com/ishandhanani/forky/pkg/types"
)

// NodeRow is a node as the SQL backends store it. Merge metadata and the
// cached state summary are JSON documents, NULL when absent.
type NodeRow struct {
	ID            string
	Content       string
	Role          string
	BranchName    string
	NodeType      string
	Timestamp     time.Time
	MergeMetadata sql.NullString
	StateSummary  sql.NullString
}

// EdgeRow links a parent to a child. ParentPos is the parent's index in the
// child's parent list; ChildPos is the child's index in the parent's
// children list. Together they preserve both orderings.
type EdgeRow struct {
	ParentID  string
	ChildID   string
	ParentPos int
	ChildPos  int
}

// SplitRecord flattens a record into node and edge rows, ordered by id.
func SplitRecord(rec *graph.Record) ([]NodeRow, []EdgeRow, error) {
	ids := make([]string, 0, len(rec.Nodes))
	for id := range rec.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	nodes := make([]NodeRow, 0, len(ids))
	var edges []EdgeRow
	for _, id := range ids {
		nr := rec.Nodes[id]
		row := NodeRow{
			ID:         nr.ID,
			Content:    nr.Content,
			Role:       string(nr.Role),
			BranchName: nr.BranchName,
			NodeType:   string(nr.NodeType),
			Timestamp:  nr.Timestamp,
		}
		var err error
		if row.MergeMetadata, err = jsonColumn(nr.MergeMetadata); err != nil {
			return nil, nil, fmt.Errorf("failed to encode merge metadata of %s: %w", id, err)
		}
		if row.StateSummary, err = jsonColumn(nr.StateSummaryCache); err != nil {
			return nil, nil, fmt.Errorf("failed to encode state summary of %s: %w", id, err)
		}
		nodes = append(nodes, row)

		for ppos, pid := range nr.ParentIDs {
			parent, ok := rec.Nodes[pid]
			if !ok {
				return nil, nil, fmt.Errorf("%w: node %s has unknown parent %s", ErrInvalidInput, id, pid)
			}
			cpos := indexOf(parent.ChildrenIDs, id)
			if cpos < 0 {
				return nil, nil, fmt.Errorf("%w: edge %s->%s missing from parent", ErrInvalidInput, pid, id)
			}
			edges = append(edges, EdgeRow{ParentID: pid, ChildID: id, ParentPos: ppos, ChildPos: cpos})
		}
	}
	return nodes, edges, nil
}

// AssembleRecord is the inverse of SplitRecord.
func AssembleRecord(rootID, currentID string, nodes []NodeRow, edges []EdgeRow) (*graph.Record, error) {
	rec := &graph.Record{
		RootID:        rootID,
		CurrentNodeID: currentID,
		Nodes:         make(map[string]*graph.NodeRecord, len(nodes)),
	}
	for _, row := range nodes {
		nr := &graph.NodeRecord{
			ID:          row.ID,
			Content:     row.Content,
			Role:        types.Role(row.Role),
			BranchName:  row.BranchName,
			Timestamp:   row.Timestamp,
			ChildrenIDs: []string{},
			ParentIDs:   []string{},
			NodeType:    types.NodeType(row.NodeType),
		}
		if row.MergeMetadata.Valid {
			nr.MergeMetadata = &types.MergeMetadata{}
			if err := json.Unmarshal([]byte(row.MergeMetadata.String), nr.MergeMetadata); err != nil {
				return nil, fmt.Errorf("failed to decode merge metadata of %s: %w", row.ID, err)
			}
		}
		if row.StateSummary.Valid {
			nr.StateSummaryCache = &types.StateSummary{}
			if err := json.Unmarshal([]byte(row.StateSummary.String), nr.StateSummaryCache); err != nil {
				return nil, fmt.Errorf("failed to decode state summary of %s: %w", row.ID, err)
			}
		}
		rec.Nodes[row.ID] = nr
	}

	byChild := append([]EdgeRow(nil), edges...)
	sort.SliceStable(byChild, func(i, j int) bool { return byChild[i].ParentPos < byChild[j].ParentPos })
	for _, e := range byChild {
		child, ok := rec.Nodes[e.ChildID]
		if !ok {
			return nil, fmt.Errorf("edge references unknown node %s", e.ChildID)
		}
		child.ParentIDs = append(child.ParentIDs, e.ParentID)
	}

	byParent := append([]EdgeRow(nil), edges...)
	sort.SliceStable(byParent, func(i, j int) bool { return byParent[i].ChildPos < byParent[j].ChildPos })
	for _, e := range byParent {
		parent, ok := rec.Nodes[e.ParentID]
		if !ok {
			return nil, fmt.Errorf("edge references unknown node %s", e.ParentID)
		}
		parent.ChildrenIDs = append(parent.ChildrenIDs, e.ChildID)
	}
	return rec, nil
}

func jsonColumn(v any) (sql.NullString, error) {
	switch x := v.(type) {
	case *types.MergeMetadata:
		if x == nil {
			return sql.NullString{}, nil
		}
	case *types.StateSummary:
		if x == nil {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
