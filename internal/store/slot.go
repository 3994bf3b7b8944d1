package store

import (
	"context"
	"time"

	"clinic-scheduler/internal/model"
)

// column names per slot index; never built from request input
var slotColumns = [model.MaxSlots + 1]struct{ at, event string }{
	{},
	{"appointment1_datetime", "appointment1_gcal_id"},
	{"appointment2_datetime", "appointment2_gcal_id"},
}

// AssignSlot books eventID at start into the first free-or-expired slot.
// The user row stays locked from the read through the write.
func (s *Store) AssignSlot(ctx context.Context, chatID, eventID string, start time.Time) (model.Slot, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Slot{}, err
	}
	defer tx.Rollback(ctx)

	u, err := lockUser(ctx, tx, chatID)
	if err != nil {
		return model.Slot{}, err
	}

	idx := u.FreeSlot(s.now())
	if idx == 0 {
		return model.Slot{}, ErrSlotsFull
	}
	if u.HoldsEvent(eventID, idx) {
		return model.Slot{}, ErrEventTaken
	}

	col := slotColumns[idx]
	_, err = tx.Exec(ctx,
		`UPDATE users SET `+col.at+`=$2, `+col.event+`=$3, updated_at=NOW() WHERE chat_id=$1`,
		chatID, start, eventID,
	)
	if err != nil {
		return model.Slot{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Slot{}, err
	}
	return model.Slot{Index: idx, Start: start, EventID: eventID}, nil
}

// ReleaseSlot clears both fields of slot together and returns what was there.
func (s *Store) ReleaseSlot(ctx context.Context, chatID string, slot int) (model.Slot, error) {
	if slot < 1 || slot > model.MaxSlots {
		return model.Slot{}, ErrInvalidSlot
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Slot{}, err
	}
	defer tx.Rollback(ctx)

	u, err := lockUser(ctx, tx, chatID)
	if err != nil {
		return model.Slot{}, err
	}
	prev, _ := u.Slot(slot)
	if !prev.Occupied() {
		return model.Slot{}, ErrSlotEmpty
	}

	col := slotColumns[slot]
	_, err = tx.Exec(ctx,
		`UPDATE users SET `+col.at+`=NULL, `+col.event+`=NULL, updated_at=NOW() WHERE chat_id=$1`,
		chatID,
	)
	if err != nil {
		return model.Slot{}, err
	}
	return prev, tx.Commit(ctx)
}

// CleanupExpired clears every slot scheduled before cutoff and returns how many were cleared.
func (s *Store) CleanupExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var total int64
	for idx := 1; idx <= model.MaxSlots; idx++ {
		col := slotColumns[idx]
		tag, err := tx.Exec(ctx,
			`UPDATE users SET `+col.at+`=NULL, `+col.event+`=NULL, updated_at=NOW()
			 WHERE `+col.at+` < $1`, cutoff,
		)
		if err != nil {
			return 0, err
		}
		total += tag.RowsAffected()
	}
	return total, tx.Commit(ctx)
}
