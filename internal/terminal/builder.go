package terminal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/domain"
)

const DefaultBatchSize = 100

// Batch is a packet ready to send and the revisions it carries.
type Batch struct {
	Packet domain.SyncPacket
	Refs   []Ref
	// Full reports that the batch size was reached, so more records may be waiting.
	Full bool
}

// Builder turns pending local records into sync packets. It never changes
// sync state; that is left to whoever reads the acknowledgement.
type Builder struct {
	store     *LocalStore
	batchSize int
	logger    *zap.Logger
	now       func() time.Time
}

func NewBuilder(store *LocalStore, batchSize int, logger *zap.Logger) *Builder {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		store:     store,
		batchSize: batchSize,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Build collects up to the batch size of pending records, customers first,
// then sales, shifts and stock movements. It returns nil when nothing is pending.
func (b *Builder) Build() (*Batch, error) {
	batch, err := b.envelope()
	if err != nil {
		return nil, err
	}

	for _, kind := range syncKinds {
		remaining := b.batchSize - len(batch.Refs)
		if remaining <= 0 {
			break
		}
		rows, err := b.store.Pending(kind, remaining)
		if err != nil {
			return nil, fmt.Errorf("pending %s: %w", kind, err)
		}
		for _, row := range rows {
			if err := b.add(batch, kind, row); err != nil {
				return nil, err
			}
		}
	}

	if len(batch.Refs) == 0 {
		return nil, nil
	}
	batch.Full = len(batch.Refs) >= b.batchSize
	return batch, nil
}

// BuildFor builds a packet holding only the named records that are still
// pending. It returns nil when none are.
func (b *Builder) BuildFor(refs []Ref) (*Batch, error) {
	batch, err := b.envelope()
	if err != nil {
		return nil, err
	}

	seen := make(map[Ref]struct{}, len(refs))
	for _, ref := range refs {
		key := Ref{Kind: ref.Kind, ID: ref.ID}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		row, err := b.store.Record(ref.Kind, ref.ID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if row.Synced {
			continue
		}
		if err := b.add(batch, ref.Kind, *row); err != nil {
			return nil, err
		}
	}

	if len(batch.Refs) == 0 {
		return nil, nil
	}
	return batch, nil
}

// envelope stamps a fresh packet id and the terminal identity. The
// organization and display name are only sent while the server has not
// confirmed the terminal, so it can recreate one it lost.
func (b *Builder) envelope() (*Batch, error) {
	terminalID, ok, err := b.store.Setting(SettingTerminalID)
	if err != nil {
		return nil, err
	}
	if !ok || terminalID == "" {
		return nil, errors.New("terminal is not provisioned")
	}

	packet := domain.SyncPacket{
		ID:         uuid.NewString(),
		TerminalID: terminalID,
		CreatedAt:  b.now(),
	}

	confirmed, _, err := b.store.Setting(SettingTerminalConfirmed)
	if err != nil {
		return nil, err
	}
	if confirmed != "true" {
		if packet.OrganizationID, _, err = b.store.Setting(SettingOrganizationID); err != nil {
			return nil, err
		}
		if packet.TerminalName, _, err = b.store.Setting(SettingTerminalName); err != nil {
			return nil, err
		}
	}
	return &Batch{Packet: packet}, nil
}

func (b *Builder) add(batch *Batch, kind string, row SyncRecord) error {
	p := &batch.Packet
	var err error
	switch kind {
	case domain.EntityCustomer:
		var c domain.Customer
		if err = json.Unmarshal([]byte(row.Payload), &c); err == nil {
			p.Customers = append(p.Customers, c)
		}
	case domain.EntitySale:
		var s domain.Sale
		if err = json.Unmarshal([]byte(row.Payload), &s); err == nil {
			p.Sales = append(p.Sales, s)
		}
	case domain.EntityShift:
		var shift *domain.WorkShift
		if shift, err = b.store.decodeShift(row.Payload); err == nil {
			p.Shifts = append(p.Shifts, domain.ShiftPayload{Shift: *shift})
		}
	case domain.EntityStockMovement:
		var m domain.StockMovement
		if err = json.Unmarshal([]byte(row.Payload), &m); err == nil {
			p.StockMovements = append(p.StockMovements, m)
		}
	default:
		return fmt.Errorf("unknown record kind %q", kind)
	}

	if err != nil {
		// A row that cannot be decoded would block every batch; leave it out
		// and record why.
		b.logger.Warn("skipping undecodable local record",
			zap.String("kind", kind),
			zap.String("id", row.ID),
			zap.Error(err),
		)
		return b.store.RecordFailure([]Ref{{Kind: kind, ID: row.ID}}, "undecodable payload: "+err.Error())
	}

	batch.Refs = append(batch.Refs, Ref{Kind: kind, ID: row.ID, Revision: row.Revision})
	return nil
}
