package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/world-exchange/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of record.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates tables and indexes if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// --- Worlds & resources ---

const worldColumns = `id, name, currency_code, population, gdp::TEXT, prosperity,
	total_exports, total_imports, export_revenue::TEXT, import_cost::TEXT,
	current_exchange_rate::TEXT, base_exchange_rate::TEXT, currency_volatility,
	money_supply::TEXT, demand, production_rates, inventory, prices`

func (s *PostgresStore) GetWorld(ctx context.Context, id string) (*model.World, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+worldColumns+` FROM worlds WHERE id = $1`, id)
	w, err := scanWorld(row)
	if err != nil {
		return nil, notFound(err, "world %s", id)
	}
	return w, nil
}

func (s *PostgresStore) ListWorlds(ctx context.Context) ([]model.World, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+worldColumns+` FROM worlds ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var worlds []model.World
	for rows.Next() {
		w, err := scanWorld(rows)
		if err != nil {
			return nil, err
		}
		worlds = append(worlds, *w)
	}
	return worlds, rows.Err()
}

func (s *PostgresStore) UpdateWorldEconomy(ctx context.Context, id string, econ WorldEconomy) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE worlds
		 SET current_exchange_rate = $2::NUMERIC, money_supply = $3::NUMERIC, prosperity = $4
		 WHERE id = $1`,
		id, econ.ExchangeRate.String(), econ.MoneySupply.String(), econ.Prosperity,
	)
	return affected(tag, err, "world %s", id)
}

func (s *PostgresStore) UpdateWorldPrices(ctx context.Context, id string, prices map[string]decimal.Decimal) error {
	data, err := json.Marshal(prices)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE worlds SET prices = $2::JSONB WHERE id = $1`, id, string(data))
	return affected(tag, err, "world %s", id)
}

func (s *PostgresStore) AddTradeFlow(ctx context.Context, id string, flow TradeFlow) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE worlds
		 SET total_exports = total_exports + $2,
		     total_imports = total_imports + $3,
		     export_revenue = export_revenue + $4::NUMERIC,
		     import_cost = import_cost + $5::NUMERIC
		 WHERE id = $1`,
		id, flow.Exports, flow.Imports, flow.ExportRevenue.String(), flow.ImportCost.String(),
	)
	return affected(tag, err, "world %s", id)
}

func (s *PostgresStore) ListResources(ctx context.Context) ([]model.Resource, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, tier, base_value::TEXT, volatility, affinity FROM resources ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var resources []model.Resource
	for rows.Next() {
		var r model.Resource
		var baseValue string
		var affinity []byte
		if err := rows.Scan(&r.ID, &r.Name, &r.Tier, &baseValue, &r.Volatility, &affinity); err != nil {
			return nil, err
		}
		r.BaseValue, _ = decimal.NewFromString(baseValue)
		if err := json.Unmarshal(affinity, &r.Affinity); err != nil {
			return nil, fmt.Errorf("resource %s affinity: %w", r.ID, err)
		}
		resources = append(resources, r)
	}
	return resources, rows.Err()
}

func (s *PostgresStore) GetGlobalPrices(ctx context.Context) (map[string]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx, `SELECT resource_id, price::TEXT FROM global_prices`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	prices := make(map[string]decimal.Decimal)
	for rows.Next() {
		var id, price string
		if err := rows.Scan(&id, &price); err != nil {
			return nil, err
		}
		prices[id], _ = decimal.NewFromString(price)
	}
	return prices, rows.Err()
}

func (s *PostgresStore) SaveGlobalPrices(ctx context.Context, prices map[string]decimal.Decimal) error {
	batch := &pgx.Batch{}
	for id, p := range prices {
		batch.Queue(
			`INSERT INTO global_prices (resource_id, price, updated_at)
			 VALUES ($1, $2::NUMERIC, now())
			 ON CONFLICT (resource_id) DO UPDATE SET price = EXCLUDED.price, updated_at = now()`,
			id, p.String(),
		)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

// --- Agents & wallets ---

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	var a model.Agent
	err := s.pool.QueryRow(ctx, `SELECT id, name, world_id FROM agents WHERE id = $1`, id).
		Scan(&a.ID, &a.Name, &a.WorldID)
	if err != nil {
		return nil, notFound(err, "agent %s", id)
	}
	return &a, nil
}

func (s *PostgresStore) GetWallet(ctx context.Context, agentID string) (*model.Wallet, error) {
	var w model.Wallet
	var balance, earned, spent string
	err := s.pool.QueryRow(ctx,
		`SELECT agent_id, currency, balance::TEXT, lifetime_earned::TEXT, lifetime_spent::TEXT
		 FROM wallets WHERE agent_id = $1`, agentID).
		Scan(&w.AgentID, &w.Currency, &balance, &earned, &spent)
	if err != nil {
		return nil, notFound(err, "wallet %s", agentID)
	}
	w.Balance, _ = decimal.NewFromString(balance)
	w.LifetimeEarned, _ = decimal.NewFromString(earned)
	w.LifetimeSpent, _ = decimal.NewFromString(spent)
	return &w, nil
}

func (s *PostgresStore) DebitWallet(ctx context.Context, agentID string, amount decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE wallets
		 SET balance = balance - $2::NUMERIC, lifetime_spent = lifetime_spent + $2::NUMERIC
		 WHERE agent_id = $1 AND balance >= $2::NUMERIC`,
		agentID, amount.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetWallet(ctx, agentID); err != nil {
			return err
		}
		return fmt.Errorf("wallet %s: %w", agentID, ErrInsufficientBalance)
	}
	return nil
}

func (s *PostgresStore) CreditWallet(ctx context.Context, agentID string, amount decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE wallets
		 SET balance = balance + $2::NUMERIC, lifetime_earned = lifetime_earned + $2::NUMERIC
		 WHERE agent_id = $1`,
		agentID, amount.String(),
	)
	return affected(tag, err, "wallet %s", agentID)
}

// --- Offers ---

const offerColumns = `id, seller_id, seller_world_id, resource_id, quantity, remaining_quantity,
	price_per_unit::TEXT, target_world_id, status, created_at, expires_at`

func (s *PostgresStore) CreateOffer(ctx context.Context, o *model.TradeOffer) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trade_offers (id, seller_id, seller_world_id, resource_id, quantity,
		     remaining_quantity, price_per_unit, target_world_id, status, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10, $11)`,
		o.ID, o.SellerID, o.SellerWorldID, o.ResourceID, o.Quantity,
		o.RemainingQuantity, o.PricePerUnit.String(), o.TargetWorldID, string(o.Status),
		o.CreatedAt, o.ExpiresAt,
	)
	return err
}

func (s *PostgresStore) GetOffer(ctx context.Context, id string) (*model.TradeOffer, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+offerColumns+` FROM trade_offers WHERE id = $1`, id)
	o, err := scanOffer(row)
	if err != nil {
		return nil, notFound(err, "offer %s", id)
	}
	return o, nil
}

func (s *PostgresStore) ListOpenOffers(ctx context.Context, resourceID string) ([]model.TradeOffer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+offerColumns+` FROM trade_offers
		 WHERE status IN ('open', 'partial') AND ($1 = '' OR resource_id = $1)
		 ORDER BY created_at`, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var offers []model.TradeOffer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, *o)
	}
	return offers, rows.Err()
}

func (s *PostgresStore) SetOfferFill(ctx context.Context, id string, remaining int64, status model.OfferStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trade_offers SET remaining_quantity = $2, status = $3 WHERE id = $1`,
		id, remaining, string(status),
	)
	return affected(tag, err, "offer %s", id)
}

func (s *PostgresStore) DecrementOfferIf(ctx context.Context, id string, qty int64, now time.Time) (*model.TradeOffer, error) {
	row := s.pool.QueryRow(ctx,
		`WITH old AS (
		     SELECT `+offerColumns+` FROM trade_offers WHERE id = $1 FOR UPDATE
		 )
		 UPDATE trade_offers o
		 SET remaining_quantity = o.remaining_quantity - $2,
		     status = CASE WHEN o.remaining_quantity - $2 = 0 THEN 'filled' ELSE 'partial' END
		 FROM old
		 WHERE o.id = old.id
		   AND o.remaining_quantity >= $2
		   AND o.status IN ('open', 'partial')
		   AND o.expires_at > $3
		 RETURNING old.id, old.seller_id, old.seller_world_id, old.resource_id, old.quantity,
		     old.remaining_quantity, old.price_per_unit, old.target_world_id, old.status,
		     old.created_at, old.expires_at`,
		id, qty, now,
	)
	o, err := scanOffer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetOffer(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("offer %s: %w", id, ErrConditionFailed)
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (s *PostgresStore) RestoreOfferQuantity(ctx context.Context, id string, qty int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trade_offers
		 SET remaining_quantity = LEAST(quantity, remaining_quantity + $2),
		     status = CASE
		         WHEN status NOT IN ('filled', 'partial') THEN status
		         WHEN LEAST(quantity, remaining_quantity + $2) = quantity THEN 'open'
		         ELSE 'partial'
		     END
		 WHERE id = $1`,
		id, qty,
	)
	return affected(tag, err, "offer %s", id)
}

func (s *PostgresStore) ExpireOffer(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE trade_offers SET status = 'expired' WHERE id = $1 AND status IN ('open', 'partial')`, id)
	return err
}

func (s *PostgresStore) ExpireStaleOffers(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trade_offers SET status = 'expired'
		 WHERE status IN ('open', 'partial') AND expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Trades & audit ledger ---

const tradeColumns = `id, offer_id, COALESCE(idempotency_key, ''), buyer_id, buyer_world_id,
	seller_id, seller_world_id, resource_id, quantity, price_per_unit::TEXT, total_seller::TEXT,
	exchange_rate_used::TEXT, buyer_currency, seller_currency, buyer_total::TEXT, fee::TEXT, settled_at`

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	var key *string
	if t.IdempotencyKey != "" {
		key = &t.IdempotencyKey
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, offer_id, idempotency_key, buyer_id, buyer_world_id, seller_id,
		     seller_world_id, resource_id, quantity, price_per_unit, total_seller, exchange_rate_used,
		     buyer_currency, seller_currency, buyer_total, fee, settled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC,
		     $13, $14, $15::NUMERIC, $16::NUMERIC, $17)`,
		t.ID, t.OfferID, key, t.BuyerID, t.BuyerWorldID, t.SellerID,
		t.SellerWorldID, t.ResourceID, t.Quantity, t.PricePerUnit.String(), t.TotalSeller.String(),
		t.ExchangeRateUsed.String(), t.BuyerCurrency, t.SellerCurrency, t.BuyerTotal.String(),
		t.Fee.String(), t.SettledAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("trade key %s: %w", t.IdempotencyKey, ErrDuplicateIdempotencyKey)
	}
	return err
}

func (s *PostgresStore) GetTradeByIdempotencyKey(ctx context.Context, key string) (*model.Trade, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE idempotency_key = $1`, key)
	t, err := scanTrade(row)
	if err != nil {
		return nil, notFound(err, "trade key %s", key)
	}
	return t, nil
}

func (s *PostgresStore) DeleteTrade(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM trades WHERE id = $1`, id)
	return affected(tag, err, "trade %s", id)
}

func (s *PostgresStore) ListTradesByOffer(ctx context.Context, offerID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE offer_id = $1 ORDER BY settled_at`, offerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_entries (id, agent_id, trade_id, type, amount, currency, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)`,
		e.ID, e.AgentID, e.TradeID, string(e.Type), e.Amount.String(), e.Currency, e.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListLedgerEntriesByAgent(ctx context.Context, agentID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, trade_id, type, amount::TEXT, currency, timestamp
		 FROM ledger_entries WHERE agent_id = $1 ORDER BY timestamp`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var typ, amount string
		if err := rows.Scan(&e.ID, &e.AgentID, &e.TradeID, &typ, &amount, &e.Currency, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Type = model.LedgerEntryType(typ)
		e.Amount, _ = decimal.NewFromString(amount)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) TradeVolumeSince(ctx context.Context, since time.Time) ([]model.ResourceVolume, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT resource_id, SUM(quantity), COUNT(*), ROUND(AVG(price_per_unit), 4)::TEXT
		 FROM trades WHERE settled_at >= $1
		 GROUP BY resource_id ORDER BY resource_id`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.ResourceVolume
	for rows.Next() {
		var v model.ResourceVolume
		var avg string
		if err := rows.Scan(&v.ResourceID, &v.Volume, &v.Trades, &avg); err != nil {
			return nil, err
		}
		v.AvgPrice, _ = decimal.NewFromString(avg)
		result = append(result, v)
	}
	return result, rows.Err()
}

// --- Scan helpers ---

func scanWorld(row pgx.Row) (*model.World, error) {
	var w model.World
	var gdp, exportRevenue, importCost, rate, baseRate, moneySupply string
	var demand, production, inventory, prices []byte

	if err := row.Scan(&w.ID, &w.Name, &w.CurrencyCode, &w.Population, &gdp, &w.Prosperity,
		&w.TotalExports, &w.TotalImports, &exportRevenue, &importCost,
		&rate, &baseRate, &w.CurrencyVolatility,
		&moneySupply, &demand, &production, &inventory, &prices); err != nil {
		return nil, err
	}

	w.GDP, _ = decimal.NewFromString(gdp)
	w.ExportRevenue, _ = decimal.NewFromString(exportRevenue)
	w.ImportCost, _ = decimal.NewFromString(importCost)
	w.CurrentExchangeRate, _ = decimal.NewFromString(rate)
	w.BaseExchangeRate, _ = decimal.NewFromString(baseRate)
	w.MoneySupply, _ = decimal.NewFromString(moneySupply)

	for _, f := range []struct {
		raw []byte
		dst any
	}{
		{demand, &w.Demand},
		{production, &w.ProductionRates},
		{inventory, &w.Inventory},
		{prices, &w.Prices},
	} {
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("world %s: %w", w.ID, err)
		}
	}
	return &w, nil
}

func scanOffer(row pgx.Row) (*model.TradeOffer, error) {
	var o model.TradeOffer
	var price, status string
	if err := row.Scan(&o.ID, &o.SellerID, &o.SellerWorldID, &o.ResourceID, &o.Quantity,
		&o.RemainingQuantity, &price, &o.TargetWorldID, &status, &o.CreatedAt, &o.ExpiresAt); err != nil {
		return nil, err
	}
	o.PricePerUnit, _ = decimal.NewFromString(price)
	o.Status = model.OfferStatus(status)
	return &o, nil
}

func scanTrade(row pgx.Row) (*model.Trade, error) {
	var t model.Trade
	var price, totalSeller, rate, buyerTotal, fee string
	if err := row.Scan(&t.ID, &t.OfferID, &t.IdempotencyKey, &t.BuyerID, &t.BuyerWorldID,
		&t.SellerID, &t.SellerWorldID, &t.ResourceID, &t.Quantity, &price, &totalSeller,
		&rate, &t.BuyerCurrency, &t.SellerCurrency, &buyerTotal, &fee, &t.SettledAt); err != nil {
		return nil, err
	}
	t.PricePerUnit, _ = decimal.NewFromString(price)
	t.TotalSeller, _ = decimal.NewFromString(totalSeller)
	t.ExchangeRateUsed, _ = decimal.NewFromString(rate)
	t.BuyerTotal, _ = decimal.NewFromString(buyerTotal)
	t.Fee, _ = decimal.NewFromString(fee)
	return &t, nil
}

// notFound maps pgx.ErrNoRows to ErrNotFound and wraps everything else.
func notFound(err error, format string, args ...any) error {
	what := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// affected turns a zero-row update into ErrNotFound.
func affected(tag pgconn.CommandTag, err error, format string, args ...any) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
	}
	return nil
}
