package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/slot-reservation-engine/internal/calendar"
	"github.com/hackgods/slot-reservation-engine/internal/config"
	"github.com/hackgods/slot-reservation-engine/internal/db"
	"github.com/hackgods/slot-reservation-engine/internal/logger"
	"github.com/hackgods/slot-reservation-engine/internal/realtime"
)

type SimConfig struct {
	APIBaseURL    string
	Duration      time.Duration
	Workers       int
	Burst         int // concurrent customers racing for one slot
	Days          int // working days ahead to spread load over
	EmployeeLimit int
	PostgresDSN   string
}

// target is one employee's working day. Bursts pick a time inside it.
type target struct {
	EmployeeID int64
	Date       string
}

type DataPool struct {
	Services []int64
	Targets  []target
	Times    []string

	mu      sync.Mutex
	active  map[string]int // wins not yet cancelled, per slot
	doubles int
}

// RecordWin notes a successful create. A win on a slot that is still held is a double booking.
func (dp *DataPool) RecordWin(key string) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if dp.active[key] > 0 {
		dp.doubles++
	}
	dp.active[key]++
}

func (dp *DataPool) Release(key string) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if dp.active[key] > 0 {
		dp.active[key]--
	}
}

func (dp *DataPool) DoubleBookings() int {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return dp.doubles
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Booking      OperationMetrics
	Select       OperationMetrics
	Availability OperationMetrics
	Cancel       OperationMetrics
	Realtime     OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	log     *slog.Logger

	events     atomic.Int64
	lastSeen   sync.Map // slot key -> time the winning create returned
	pushedSlot atomic.Int64
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load base config", "err", err)
		os.Exit(1)
	}
	log := logger.SetupDefault(os.Stdout, baseCfg.LogLevel)
	log.Info("simulator starting")

	cfg := loadConfig(baseCfg)
	if err := validateConfig(cfg); err != nil {
		log.Error("invalid config", "err", err)
		os.Exit(1)
	}

	log.Info("config",
		"duration", cfg.Duration,
		"workers", cfg.Workers,
		"burst", cfg.Burst,
		"days", cfg.Days,
	)

	settings, err := calendar.FromConfig(baseCfg)
	if err != nil {
		log.Error("calendar", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 4})
	if err != nil {
		log.Error("connect postgres", "err", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg, settings)
	if err != nil {
		log.Error("load data pool", "err", err)
		os.Exit(1)
	}

	log.Info("loaded", "services", len(dataPool.Services), "targets", len(dataPool.Targets))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig(base config.Config) SimConfig {
	return SimConfig{
		APIBaseURL:    strings.TrimRight(getEnv("SIM_API_BASE_URL", "http://localhost:8080"), "/"),
		Duration:      getDuration("SIM_DURATION", 30*time.Second),
		Workers:       getInt("SIM_WORKERS", 4),
		Burst:         getInt("SIM_BURST", 5),
		Days:          getInt("SIM_DAYS", 5),
		EmployeeLimit: getInt("SIM_EMPLOYEE_LIMIT", 5),
		PostgresDSN:   base.PostgresDSN,
	}
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Burst <= 0 {
		return fmt.Errorf("SIM_BURST must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig, cal calendar.Settings) (*DataPool, error) {
	dataPool := &DataPool{Times: cal.DaySlots(), active: make(map[string]int)}

	rows, err := pool.Query(ctx, `SELECT id FROM services ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load services: %w", err)
	}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Services = append(dataPool.Services, id)
	}
	rows.Close()

	rows, err = pool.Query(ctx, `SELECT id FROM employees ORDER BY id LIMIT $1`, cfg.EmployeeLimit)
	if err != nil {
		return nil, fmt.Errorf("load employees: %w", err)
	}
	var employees []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		employees = append(employees, id)
	}
	rows.Close()

	if len(dataPool.Services) == 0 {
		return nil, fmt.Errorf("no services loaded, run cmd/seed first")
	}
	if len(employees) == 0 {
		return nil, fmt.Errorf("no employees loaded, run cmd/seed first")
	}
	if len(dataPool.Times) == 0 {
		return nil, fmt.Errorf("business calendar has no slots")
	}

	day := cal.Midnight(time.Now().In(cal.Loc()))
	for found := 0; found < cfg.Days; {
		day = day.AddDate(0, 0, 1)
		if !cal.IsWorkingDay(day) {
			continue
		}
		for _, emp := range employees {
			dataPool.Targets = append(dataPool.Targets, target{EmployeeID: emp, Date: day.Format(calendar.DateLayout)})
		}
		found++
	}

	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	watcher := s.startWatcher(ctx)
	defer watcher.Disconnect()

	s.log.Info("starting simulation", "duration", s.config.Duration, "workers", s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info("simulation complete", "realtime_mode", watcher.Mode(), "realtime_latency", watcher.Latency())
}

// startWatcher connects one realtime client that watches every target day and times how long
// slot_taken takes to arrive after the winning create returned.
func (s *Simulator) startWatcher(ctx context.Context) *realtime.Client {
	wsURL := "ws" + strings.TrimPrefix(s.config.APIBaseURL, "http") + "/ws"
	client := realtime.NewClient(realtime.ClientConfig{
		WSURL:   wsURL + "?client_id=sim-watcher-" + uuid.NewString()[:8],
		PollURL: s.config.APIBaseURL + "/slots/poll",
		Logger:  s.log,
	})

	client.Subscribe(realtime.TypeSlotTaken, func(env realtime.Envelope) {
		s.events.Add(1)
		key := slotKey(env.Int64("employee_id"), env.String("date"), env.String("time"))
		if v, ok := s.lastSeen.LoadAndDelete(key); ok {
			s.pushedSlot.Add(1)
			s.metrics.Realtime.Record(time.Since(v.(time.Time)), true, false)
		}
	})

	if err := client.Connect(ctx); err != nil {
		s.log.Warn("realtime watcher not connected", "err", err)
		return client
	}

	if client.Mode() == realtime.ModePush {
		for _, t := range s.pool.Targets {
			_ = client.Send(realtime.TypeWatchSlot, map[string]any{"date": t.Date, "employee_id": t.EmployeeID})
		}
	} else if len(s.pool.Targets) > 0 {
		t := s.pool.Targets[0]
		client.SetPollQuery(url.Values{
			"date":        {t.Date},
			"employee_id": {strconv.FormatInt(t.EmployeeID, 10)},
		})
	}
	return client
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t := s.pool.Targets[rng.Intn(len(s.pool.Targets))]
		clock := s.pool.Times[rng.Intn(len(s.pool.Times))]

		s.doAvailability(ctx, t)
		s.doSelect(ctx, t, clock, fmt.Sprintf("sim-%d", workerID))
		winner := s.doBurst(ctx, rng, t, clock)

		// release a share of the wins so the calendar does not fill up
		if winner != "" && rng.Float64() < 0.5 {
			s.doCancel(ctx, winner, slotKey(t.EmployeeID, t.Date, clock))
		}
	}
}

// doBurst fires Burst creates for the same slot at once and returns the winning strong id.
func (s *Simulator) doBurst(ctx context.Context, rng *rand.Rand, t target, clock string) string {
	serviceID := s.pool.Services[rng.Intn(len(s.pool.Services))]
	key := slotKey(t.EmployeeID, t.Date, clock)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		winner string
	)
	for i := 0; i < s.config.Burst; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body, _ := json.Marshal(map[string]any{
				"name":            gofakeit.Name(),
				"email":           gofakeit.Email(),
				"phone":           gofakeit.Phone(),
				"service_id":      serviceID,
				"employee_id":     t.EmployeeID,
				"scheduled_at":    t.Date + " " + clock,
				"idempotency_key": uuid.NewString(),
			})

			start := time.Now()
			status, payload, err := s.do(ctx, http.MethodPost, "/reservations", body)
			latency := time.Since(start)
			if err != nil {
				s.metrics.Booking.Record(latency, false, false)
				return
			}

			switch status {
			case http.StatusCreated:
				s.pool.RecordWin(key)
				s.lastSeen.Store(key, time.Now())
				var created struct {
					StrongID string `json:"strong_id"`
				}
				_ = json.Unmarshal(payload, &created)
				mu.Lock()
				winner = created.StrongID
				mu.Unlock()
				s.metrics.Booking.Record(latency, true, false)
			case http.StatusConflict, http.StatusUnprocessableEntity, http.StatusTooManyRequests:
				s.metrics.Booking.Record(latency, false, true)
			default:
				s.metrics.Booking.Record(latency, false, false)
			}
		}()
	}
	wg.Wait()
	return winner
}

func (s *Simulator) doSelect(ctx context.Context, t target, clock, clientID string) {
	body, _ := json.Marshal(map[string]any{
		"date":        t.Date,
		"time":        clock,
		"employee_id": t.EmployeeID,
		"client_id":   clientID,
	})
	start := time.Now()
	status, _, err := s.do(ctx, http.MethodPost, "/slots/select", body)
	latency := time.Since(start)
	if err != nil {
		s.metrics.Select.Record(latency, false, false)
		return
	}
	s.metrics.Select.Record(latency, status == http.StatusOK, status == http.StatusConflict || status == http.StatusTooManyRequests)
}

func (s *Simulator) doAvailability(ctx context.Context, t target) {
	path := fmt.Sprintf("/availability?date=%s&employee_id=%d", t.Date, t.EmployeeID)
	start := time.Now()
	status, _, err := s.do(ctx, http.MethodGet, path, nil)
	s.metrics.Availability.Record(time.Since(start), err == nil && status == http.StatusOK, false)
}

// doCancel frees the slot in the books before the request goes out, so a racing win that
// lands after the server cancelled is not miscounted as a double booking.
func (s *Simulator) doCancel(ctx context.Context, ref, key string) {
	s.pool.Release(key)

	start := time.Now()
	status, _, err := s.do(ctx, http.MethodPost, "/reservations/"+ref+"/cancel", nil)
	s.metrics.Cancel.Record(time.Since(start), err == nil && status == http.StatusOK, false)
	if err == nil && status != http.StatusOK {
		s.pool.RecordWin(key)
	}
}

func (s *Simulator) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, buf.Bytes(), nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d  Burst: %d\n", s.config.Workers, s.config.Burst)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Select", &s.metrics.Select)
	printOperationReport("Availability", &s.metrics.Availability)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Realtime slot_taken delay", &s.metrics.Realtime)

	fmt.Printf("Realtime events received: %d (matched to a win: %d)\n", s.events.Load(), s.pushedSlot.Load())
	fmt.Printf("Double bookings: %d\n", s.pool.DoubleBookings())
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Rejected: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func slotKey(employeeID int64, date, clock string) string {
	return fmt.Sprintf("%d|%s|%s", employeeID, date, clock)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
