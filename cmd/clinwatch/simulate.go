package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/clinwatch/internal/config"
	"github.com/ehr/clinwatch/internal/domain/actionqueue"
	"github.com/ehr/clinwatch/internal/domain/clinical"
	"github.com/ehr/clinwatch/internal/platform/changefeed"
	"github.com/ehr/clinwatch/internal/store/memory"
)

func simulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replay NDJSON readings through the engine in memory and print the action queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			verbose, _ := cmd.Flags().GetBool("verbose")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			level := zerolog.WarnLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			logger := zerolog.New(zerolog.ConsoleWriter{Out: stderr}).Level(level).With().Timestamp().Logger()

			in := io.Reader(os.Stdin)
			if path != "" && path != "-" {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			sim, err := newSimulation(cfg, logger)
			if err != nil {
				return err
			}
			ctx := context.Background()
			if err := sim.replay(ctx, in); err != nil {
				return err
			}
			return sim.printQueue(ctx, stdout)
		},
	}
	cmd.Flags().StringP("file", "f", "-", "NDJSON readings file (- for stdin)")
	cmd.Flags().BoolP("verbose", "v", false, "Log engine activity to stderr")
	return cmd
}

// reading is one NDJSON line. Patient keys that are not UUIDs are mapped to
// stable UUIDs, so files can use readable names.
type reading struct {
	Kind        string     `json:"kind"`
	Patient     string     `json:"patient"`
	MRN         string     `json:"mrn"`
	Code        string     `json:"code"`
	Display     string     `json:"display"`
	Value       *float64   `json:"value"`
	Unit        string     `json:"unit"`
	Status      string     `json:"status"`
	EffectiveAt *time.Time `json:"effective_at"`
}

type simulation struct {
	store *memory.Store
	comps *components
	names map[uuid.UUID]string
}

func newSimulation(cfg *config.Config, logger zerolog.Logger) (*simulation, error) {
	store := memory.New()
	comps, err := buildComponents(cfg, memoryStores(store), logger)
	if err != nil {
		return nil, err
	}
	return &simulation{store: store, comps: comps, names: make(map[uuid.UUID]string)}, nil
}

func patientKey(key string) uuid.UUID {
	if id, err := uuid.Parse(key); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("clinwatch:patient:"+key))
}

// replay applies each reading to the store and runs the engine on the
// resulting change, in file order.
func (s *simulation) replay(ctx context.Context, in io.Reader) error {
	dctx, cancel := context.WithCancel(ctx)
	s.comps.dispatcher.Start(dctx)
	defer func() {
		s.comps.dispatcher.Close()
		cancel()
	}()

	scanner := bufio.NewScanner(in)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var r reading
		if err := json.Unmarshal([]byte(text), &r); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		msg, err := s.apply(ctx, r)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if _, err := s.comps.processor.Process(ctx, msg); err != nil {
			return fmt.Errorf("line %d: process: %w", line, err)
		}
	}
	return scanner.Err()
}

func (s *simulation) apply(ctx context.Context, r reading) (changefeed.Message, error) {
	if r.Patient == "" {
		return changefeed.Message{}, fmt.Errorf("patient is required")
	}
	pid := patientKey(r.Patient)
	at := time.Now().UTC()
	if r.EffectiveAt != nil {
		at = r.EffectiveAt.UTC()
	}
	msg := changefeed.Message{
		OccurredAt:    at,
		CorrelationID: uuid.NewString(),
		Channel:       "simulate",
	}

	switch r.Kind {
	case "patient":
		mrn := r.MRN
		if mrn == "" {
			mrn = r.Patient
		}
		s.names[pid] = r.Patient
		if err := s.store.UpsertPatient(ctx, &clinical.Patient{ID: pid, MRN: mrn, Active: true}); err != nil {
			return msg, err
		}
		msg.EntityID, msg.Source = pid, clinical.SourcePatient
	case "observation":
		if r.Code == "" || r.Value == nil {
			return msg, fmt.Errorf("observation needs code and value")
		}
		o := &clinical.Observation{
			PatientID:   pid,
			Code:        r.Code,
			Value:       r.Value,
			Status:      r.Status,
			EffectiveAt: at,
		}
		if r.Display != "" {
			o.Display = &r.Display
		}
		if r.Unit != "" {
			o.Unit = &r.Unit
		}
		if err := s.store.AddObservation(ctx, o); err != nil {
			return msg, err
		}
		msg.EntityID, msg.Source = o.ID, clinical.SourceObservation
	case "condition":
		if r.Code == "" {
			return msg, fmt.Errorf("condition needs code")
		}
		c := &clinical.Condition{PatientID: pid, Code: r.Code, ClinicalStatus: r.Status, OnsetAt: &at}
		if r.Display != "" {
			c.Display = &r.Display
		}
		if err := s.store.AddCondition(ctx, c); err != nil {
			return msg, err
		}
		msg.EntityID, msg.Source = c.ID, clinical.SourceCondition
	default:
		return msg, fmt.Errorf("unknown kind %q", r.Kind)
	}
	return msg, nil
}

func (s *simulation) pending(ctx context.Context) ([]*actionqueue.Item, error) {
	items, _, err := s.comps.actions.ListPending(ctx, actionqueue.Filter{}, 1000, 0)
	return items, err
}

func (s *simulation) printQueue(ctx context.Context, w io.Writer) error {
	items, err := s.pending(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PRIORITY\tACTION\tPATIENT\tDUE\tRISK")
	for _, it := range items {
		score := "-"
		if snap, err := s.comps.risk.GetSnapshot(ctx, it.PatientID); err == nil {
			score = fmt.Sprintf("%.1f", snap.CurrentScore)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			it.Priority, it.ActionType, s.name(it.PatientID), it.DueAt.Format(time.RFC3339), score)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d pending action(s) across %d patient(s).\n", len(items), countPatients(items))
	return nil
}

func (s *simulation) name(id uuid.UUID) string {
	if n, ok := s.names[id]; ok {
		return n
	}
	return id.String()
}

func countPatients(items []*actionqueue.Item) int {
	seen := make(map[uuid.UUID]struct{}, len(items))
	for _, it := range items {
		seen[it.PatientID] = struct{}{}
	}
	return len(seen)
}
