package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"autorepay.org/internal/auth"
	"autorepay.org/internal/repay"
)

type pgTx struct {
	tx       *sql.Tx
	readOnly bool
}

func (t *pgTx) writable() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

func (t *pgTx) Meta(ctx context.Context) (repay.Meta, error) {
	var m repay.Meta
	err := t.tx.QueryRowContext(ctx, `
		select initialized, initialized_at from engine_config where id = 1
	`).Scan(&m.Initialized, &m.InitializedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return repay.Meta{}, nil
	}
	return m, err
}

func (t *pgTx) PutMeta(ctx context.Context, m repay.Meta) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, `
		insert into engine_config (id, initialized, initialized_at) values (1, $1, $2)
		on conflict (id) do update
		set initialized = excluded.initialized, initialized_at = excluded.initialized_at
	`, m.Initialized, m.InitializedAt)
	return err
}

const tripleColumns = `base, debt, supply, active, updated_at`

func scanTriple(row interface{ Scan(...any) error }) (repay.TokenTriple, error) {
	var (
		tr                 repay.TokenTriple
		base, debt, supply string
	)
	if err := row.Scan(&base, &debt, &supply, &tr.Active, &tr.UpdatedAt); err != nil {
		return repay.TokenTriple{}, err
	}
	tr.Base, tr.Debt, tr.Supply = parseAddr(base), parseAddr(debt), parseAddr(supply)
	return tr, nil
}

func (t *pgTx) Triple(ctx context.Context, token common.Address) (repay.TokenTriple, bool, error) {
	tr, err := scanTriple(t.tx.QueryRowContext(ctx, `
		select `+tripleColumns+`
		from token_triples
		where base = $1 or supply = $1
		order by (base = $1) desc
		limit 1
	`, addr(token)))
	if errors.Is(err, sql.ErrNoRows) {
		return repay.TokenTriple{}, false, nil
	}
	if err != nil {
		return repay.TokenTriple{}, false, err
	}
	return tr, true, nil
}

func (t *pgTx) PutTriple(ctx context.Context, tr repay.TokenTriple) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, `
		insert into token_triples (base, debt, supply, active, updated_at)
		values ($1, $2, $3, $4, $5)
		on conflict (base) do update
		set debt = excluded.debt, supply = excluded.supply,
		    active = excluded.active, updated_at = excluded.updated_at
	`, addr(tr.Base), addr(tr.Debt), addr(tr.Supply), tr.Active, tr.UpdatedAt)
	return err
}

func (t *pgTx) Triples(ctx context.Context) ([]repay.TokenTriple, error) {
	rows, err := t.tx.QueryContext(ctx, `select `+tripleColumns+` from token_triples order by base`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []repay.TokenTriple
	for rows.Next() {
		tr, err := scanTriple(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (t *pgTx) Authorization(ctx context.Context, user, token common.Address) (repay.Authorization, bool, error) {
	var (
		raw         string
		periodicity int64
		updated     int64
	)
	err := t.tx.QueryRowContext(ctx, `
		select max_amount::text, periodicity_seconds, updated_at
		from authorizations
		where user_address = $1 and token = $2
	`, addr(user), addr(token)).Scan(&raw, &periodicity, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return repay.Authorization{}, false, nil
	}
	if err != nil {
		return repay.Authorization{}, false, err
	}
	amount, err := parseAmount(raw)
	if err != nil {
		return repay.Authorization{}, false, err
	}
	return repay.Authorization{
		User:               user,
		Token:              token,
		MaxAmountPerPeriod: amount,
		PeriodicitySeconds: uint64(periodicity),
		UpdatedAt:          updated,
	}, true, nil
}

func (t *pgTx) PutAuthorization(ctx context.Context, a repay.Authorization) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, `
		insert into authorizations (user_address, token, max_amount, periodicity_seconds, updated_at)
		values ($1, $2, $3::numeric, $4, $5)
		on conflict (user_address, token) do update
		set max_amount = excluded.max_amount,
		    periodicity_seconds = excluded.periodicity_seconds,
		    updated_at = excluded.updated_at
	`, addr(a.User), addr(a.Token), amountText(a.MaxAmountPerPeriod), int64(a.PeriodicitySeconds), a.UpdatedAt)
	return err
}

func (t *pgTx) Authorizations(ctx context.Context, user common.Address) ([]repay.Authorization, error) {
	rows, err := t.tx.QueryContext(ctx, `
		select token, max_amount::text, periodicity_seconds, updated_at
		from authorizations
		where user_address = $1
		order by token
	`, addr(user))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []repay.Authorization
	for rows.Next() {
		var (
			token, raw  string
			periodicity int64
			a           repay.Authorization
		)
		if err := rows.Scan(&token, &raw, &periodicity, &a.UpdatedAt); err != nil {
			return nil, err
		}
		if a.MaxAmountPerPeriod, err = parseAmount(raw); err != nil {
			return nil, err
		}
		a.User, a.Token = user, parseAddr(token)
		a.PeriodicitySeconds = uint64(periodicity)
		out = append(out, a)
	}
	return out, rows.Err()
}

// LastSettlement locks the user's clock row inside a writable transaction so
// concurrent settlers of the same user serialize on it.
func (t *pgTx) LastSettlement(ctx context.Context, user common.Address) (int64, error) {
	query := `select last_settlement from settlement_clock where user_address = $1`
	if !t.readOnly {
		query += ` for update`
	}
	var ts int64
	err := t.tx.QueryRowContext(ctx, query, addr(user)).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return ts, err
}

func (t *pgTx) SetLastSettlement(ctx context.Context, user common.Address, ts int64) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, `
		insert into settlement_clock (user_address, last_settlement) values ($1, $2)
		on conflict (user_address) do update set last_settlement = excluded.last_settlement
	`, addr(user), ts)
	return err
}

func (t *pgTx) FeeConfig(ctx context.Context) (repay.FeeConfig, error) {
	var fee, tip int64
	err := t.tx.QueryRowContext(ctx, `
		select protocol_fee_bps, executor_tip_bps from engine_config where id = 1
	`).Scan(&fee, &tip)
	if errors.Is(err, sql.ErrNoRows) {
		return repay.FeeConfig{}, nil
	}
	if err != nil {
		return repay.FeeConfig{}, err
	}
	return repay.FeeConfig{ProtocolFeeBps: uint64(fee), ExecutorTipBps: uint64(tip)}, nil
}

func (t *pgTx) PutFeeConfig(ctx context.Context, f repay.FeeConfig) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, `
		insert into engine_config (id, protocol_fee_bps, executor_tip_bps) values (1, $1, $2)
		on conflict (id) do update
		set protocol_fee_bps = excluded.protocol_fee_bps, executor_tip_bps = excluded.executor_tip_bps
	`, int64(f.ProtocolFeeBps), int64(f.ExecutorTipBps))
	return err
}

func (t *pgTx) DiscountConfig(ctx context.Context) (repay.DiscountConfig, error) {
	var (
		token, treasury, raw string
		bps                  int64
	)
	err := t.tx.QueryRowContext(ctx, `
		select discount_token, minimum_holding::text, discount_bps, treasury
		from engine_config where id = 1
	`).Scan(&token, &raw, &bps, &treasury)
	if errors.Is(err, sql.ErrNoRows) {
		return repay.DiscountConfig{}, nil
	}
	if err != nil {
		return repay.DiscountConfig{}, err
	}
	minimum, err := parseAmount(raw)
	if err != nil {
		return repay.DiscountConfig{}, err
	}
	return repay.DiscountConfig{
		DiscountToken:         parseAddr(token),
		MinimumHoldingAmount:  minimum,
		DiscountPercentageBps: uint64(bps),
		Treasury:              parseAddr(treasury),
	}, nil
}

func (t *pgTx) PutDiscountConfig(ctx context.Context, d repay.DiscountConfig) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, `
		insert into engine_config (id, discount_token, minimum_holding, discount_bps, treasury)
		values (1, $1, $2::numeric, $3, $4)
		on conflict (id) do update
		set discount_token = excluded.discount_token,
		    minimum_holding = excluded.minimum_holding,
		    discount_bps = excluded.discount_bps,
		    treasury = excluded.treasury
	`, addr(d.DiscountToken), amountText(d.MinimumHoldingAmount), int64(d.DiscountPercentageBps), addr(d.Treasury))
	return err
}

func (t *pgTx) Paused(ctx context.Context) (bool, error) {
	var paused bool
	err := t.tx.QueryRowContext(ctx, `select paused from engine_config where id = 1`).Scan(&paused)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return paused, err
}

func (t *pgTx) SetPaused(ctx context.Context, paused bool) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, `
		insert into engine_config (id, paused) values (1, $1)
		on conflict (id) do update set paused = excluded.paused
	`, paused)
	return err
}

func (t *pgTx) HasRole(ctx context.Context, c auth.Capability, who common.Address) (bool, error) {
	var ok bool
	err := t.tx.QueryRowContext(ctx, `
		select exists(select 1 from roles where capability = $1 and member = $2)
	`, string(c), addr(who)).Scan(&ok)
	return ok, err
}

func (t *pgTx) SetRole(ctx context.Context, c auth.Capability, who common.Address, granted bool) error {
	if err := t.writable(); err != nil {
		return err
	}
	if granted {
		_, err := t.tx.ExecContext(ctx, `
			insert into roles (capability, member) values ($1, $2)
			on conflict do nothing
		`, string(c), addr(who))
		return err
	}
	_, err := t.tx.ExecContext(ctx, `delete from roles where capability = $1 and member = $2`, string(c), addr(who))
	return err
}

func (t *pgTx) RoleMembers(ctx context.Context, c auth.Capability) ([]common.Address, error) {
	rows, err := t.tx.QueryContext(ctx, `select member from roles where capability = $1 order by member`, string(c))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []common.Address
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, err
		}
		out = append(out, parseAddr(member))
	}
	return out, rows.Err()
}

func (t *pgTx) AppendEvent(ctx context.Context, ev repay.Event) (repay.Event, error) {
	if err := t.writable(); err != nil {
		return repay.Event{}, err
	}
	fields := []byte("{}")
	if len(ev.Fields) > 0 {
		b, err := json.Marshal(ev.Fields)
		if err != nil {
			return repay.Event{}, fmt.Errorf("marshal fields: %w", err)
		}
		fields = b
	}
	var seq int64
	err := t.tx.QueryRowContext(ctx, `
		insert into events (id, kind, user_address, token, actor, fields, occurred_at)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning seq
	`, ev.ID, string(ev.Kind), addr(ev.User), addr(ev.Token), addr(ev.Actor), fields, ev.OccurredAt.UTC()).Scan(&seq)
	if err != nil {
		return repay.Event{}, err
	}
	ev.Seq = uint64(seq)
	return ev, nil
}

func (t *pgTx) Events(ctx context.Context, afterSeq uint64, limit int) ([]repay.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := t.tx.QueryContext(ctx, `
		select seq, id, kind, user_address, token, actor, fields, occurred_at
		from events
		where seq > $1
		order by seq asc
		limit $2
	`, int64(afterSeq), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []repay.Event
	for rows.Next() {
		var (
			ev                       repay.Event
			seq                      int64
			kind, user, token, actor string
			rawFields                []byte
		)
		if err := rows.Scan(&seq, &ev.ID, &kind, &user, &token, &actor, &rawFields, &ev.OccurredAt); err != nil {
			return nil, err
		}
		if len(rawFields) > 0 {
			if err := json.Unmarshal(rawFields, &ev.Fields); err != nil {
				return nil, fmt.Errorf("decode fields: %w", err)
			}
			if len(ev.Fields) == 0 {
				ev.Fields = nil
			}
		}
		ev.Seq = uint64(seq)
		ev.Kind = repay.EventKind(kind)
		ev.User, ev.Token, ev.Actor = parseAddr(user), parseAddr(token), parseAddr(actor)
		out = append(out, ev)
	}
	return out, rows.Err()
}
