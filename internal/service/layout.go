package service

import (
	"encoding/json"
	"math/rand"

	"github.com/inducer/relate-sub000/internal/content"
	"github.com/inducer/relate-sub000/internal/models"
	"github.com/inducer/relate-sub000/internal/page"
)

// planLayout reconciles a session's existing page rows with the flow
// content and returns the desired rows plus the laid-out page count.
//
// Shuffled groups keep their existing laid-out pages (in ordinal order, as
// long as the page is still in the content and the group's page budget
// allows) and fill the remainder with randomly chosen unused pages,
// reviving previously shuffled-out rows where they exist. Unshuffled groups
// lay pages out in declared order. Rows for pages or groups no longer in
// the content keep their state but lose their ordinal.
//
// The function is deterministic given rng and is safe to re-run: a second
// pass over its own output is a no-op.
func planLayout(
	desc *content.FlowDesc,
	inst page.Instantiator,
	pctx page.Context,
	rng *rand.Rand,
	existing []models.FlowPageData,
) ([]models.FlowPageData, int, error) {
	sessionID := pctx.Session.ID

	type key struct{ groupID, pageID string }
	rows := make(map[key]*models.FlowPageData, len(existing))
	// Copy so replanning on transaction retry starts from pristine rows.
	existingCopy := make([]models.FlowPageData, len(existing))
	copy(existingCopy, existing)
	for i := range existingCopy {
		fpd := &existingCopy[i]
		rows[key{fpd.GroupID, fpd.PageID}] = fpd
	}

	var result []models.FlowPageData
	added := make(map[key]struct{})
	ordinal := 0

	makeRow := func(groupID string, pd content.PageDesc) (*models.FlowPageData, error) {
		p, err := inst.Instantiate(groupID, pd)
		if err != nil {
			return nil, err
		}
		data, err := p.InitializePageData(pctx)
		if err != nil {
			return nil, err
		}
		return &models.FlowPageData{
			FlowSessionID: sessionID,
			GroupID:       groupID,
			PageID:        pd.ID,
			PageType:      pd.Type,
			Data:          models.RawJSON(data),
			Title:         p.Title(pctx, data),
		}, nil
	}

	addRow := func(groupID string, pd content.PageDesc, fpd *models.FlowPageData) error {
		ord := ordinal
		fpd.Ordinal = &ord
		ordinal++

		// Titles track the content, not the stored row.
		p, err := inst.Instantiate(groupID, pd)
		if err != nil {
			return err
		}
		fpd.Title = p.Title(pctx, json.RawMessage(fpd.Data))

		result = append(result, *fpd)
		added[key{groupID, pd.ID}] = struct{}{}
		return nil
	}

	for _, grp := range desc.Groups {
		byID := make(map[string]content.PageDesc, len(grp.Pages))
		for _, pd := range grp.Pages {
			byID[pd.ID] = pd
		}
		maxPageCount := len(grp.Pages)
		if grp.MaxPageCount != nil && *grp.MaxPageCount < maxPageCount {
			maxPageCount = *grp.MaxPageCount
		}

		groupCount := 0
		if grp.Shuffle {
			// Keep the established order of still-valid pages.
			for i := range existingCopy {
				fpd := &existingCopy[i]
				if fpd.GroupID != grp.ID || fpd.Ordinal == nil {
					continue
				}
				pd, stillThere := byID[fpd.PageID]
				if !stillThere || groupCount >= maxPageCount {
					continue
				}
				if err := addRow(grp.ID, pd, fpd); err != nil {
					return nil, 0, err
				}
				groupCount++
			}

			// Fill the remainder with random unused pages.
			var unused []content.PageDesc
			for _, pd := range grp.Pages {
				if _, ok := added[key{grp.ID, pd.ID}]; !ok {
					unused = append(unused, pd)
				}
			}
			for groupCount < maxPageCount && len(unused) > 0 {
				pick := rng.Intn(len(unused))
				pd := unused[pick]
				unused = append(unused[:pick], unused[pick+1:]...)

				fpd, revived := rows[key{grp.ID, pd.ID}]
				if !revived {
					var err error
					fpd, err = makeRow(grp.ID, pd)
					if err != nil {
						return nil, 0, err
					}
				}
				if err := addRow(grp.ID, pd, fpd); err != nil {
					return nil, 0, err
				}
				groupCount++
			}
		} else {
			for _, pd := range grp.Pages {
				if groupCount >= maxPageCount {
					break
				}
				fpd, ok := rows[key{grp.ID, pd.ID}]
				if !ok {
					var err error
					fpd, err = makeRow(grp.ID, pd)
					if err != nil {
						return nil, 0, err
					}
				}
				if err := addRow(grp.ID, pd, fpd); err != nil {
					return nil, 0, err
				}
				groupCount++
			}
		}
	}

	// Everything not laid out stays around without an ordinal, including
	// rows for groups or pages the content no longer declares.
	for i := range existingCopy {
		fpd := &existingCopy[i]
		if _, ok := added[key{fpd.GroupID, fpd.PageID}]; ok {
			continue
		}
		fpd.Ordinal = nil
		result = append(result, *fpd)
	}

	return result, ordinal, nil
}
