package orphans

import (
	"context"

	"github.com/tidwall/gjson"
)

// State of the reconciliation flow
type State int

const (
	StateIdle State = iota
	StateDetecting
	StatePreviewing
	StateDeleting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDetecting:
		return "detecting"
	case StatePreviewing:
		return "previewing"
	case StateDeleting:
		return "deleting"
	default:
		return "unknown"
	}
}

// Record is a server-side item whose remote counterpart no longer exists
type Record struct {
	ItemType    string `json:"item_type"`
	APIID       string `json:"api_id"`
	WordPressID int64  `json:"wordpress_id"`
	Name        string `json:"name"`
}

// Group is the preview of one item type: a capped sample plus the rest as a count
type Group struct {
	ItemType  string
	Count     int
	Samples   []Record
	Remaining int
}

// Report is the server's answer to a deletion
type Report struct {
	DeletedCount int
	Deleted      []Record
	Errors       []string
}

// Confirmer asks the user to approve a destructive action
type Confirmer interface {
	Confirm(ctx context.Context, title, body string) (bool, error)
}

// Presenter renders the reconciliation panel
type Presenter interface {
	ShowNone()
	ShowPreview(total int, groups []Group)
	ShowReport(report Report)
	ShowError(message string)
	Dismiss()
}

func parseRecord(item gjson.Result, itemType string) Record {
	rec := Record{
		ItemType:    item.Get("item_type").String(),
		APIID:       item.Get("api_id").String(),
		WordPressID: item.Get("wordpress_id").Int(),
		Name:        item.Get("name").String(),
	}
	if rec.ItemType == "" {
		rec.ItemType = itemType
	}
	return rec
}

// parseRecords accepts either a flat array or an object keyed by item type
func parseRecords(orphans gjson.Result) []Record {
	var out []Record
	switch {
	case orphans.IsArray():
		for _, item := range orphans.Array() {
			out = append(out, parseRecord(item, ""))
		}
	case orphans.IsObject():
		orphans.ForEach(func(key, value gjson.Result) bool {
			for _, item := range value.Array() {
				out = append(out, parseRecord(item, key.String()))
			}
			return true
		})
	}
	return out
}

// GroupRecords groups by item type in first-seen order, keeping at most
// sampleCap examples per type
func GroupRecords(records []Record, sampleCap int) []Group {
	index := make(map[string]int)
	var groups []Group

	for _, rec := range records {
		i, ok := index[rec.ItemType]
		if !ok {
			i = len(groups)
			index[rec.ItemType] = i
			groups = append(groups, Group{ItemType: rec.ItemType})
		}
		g := &groups[i]
		g.Count++
		if len(g.Samples) < sampleCap {
			g.Samples = append(g.Samples, rec)
		} else {
			g.Remaining++
		}
	}

	return groups
}
