package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/example/subscription-approval/internal/domain"
	stan "github.com/nats-io/stan.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newPublishCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newPublishCmd() *cobra.Command {
	var (
		clusterID string
		clientID  string
		natsURL   string
		subject   string
		requestID string
		domainID  string
		projectID string
	)
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a subscription request occurrence to NATS Streaming",
		Long: "Reads an occurrence as JSON from stdin, or builds one from --request-id, " +
			"--domain-id and --project-id, and publishes it to the trigger subject.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			var occ domain.Occurrence
			if requestID != "" {
				occ = newOccurrence(requestID, domainID, projectID, time.Now().UTC())
			} else {
				occ, err = readOccurrence(cmd.InOrStdin())
				if err != nil {
					return err
				}
			}
			if err := occ.Validate(); err != nil {
				return fmt.Errorf("invalid occurrence: %w", err)
			}
			b, err := json.Marshal(occ)
			if err != nil {
				return fmt.Errorf("marshal: %w", err)
			}

			sc, err := stan.Connect(clusterID, clientID, stan.NatsURL(natsURL))
			if err != nil {
				return fmt.Errorf("stan connect: %w", err)
			}
			defer sc.Close()
			if err := sc.Publish(subject, b); err != nil {
				return fmt.Errorf("publish: %w", err)
			}
			logger.Info("published occurrence",
				zap.String("request_id", occ.Detail.RequestID),
				zap.String("subject", subject),
				zap.Int("bytes", len(b)))
			return nil
		},
	}
	cmd.Flags().StringVar(&clusterID, "cluster-id", getenv("STAN_CLUSTER_ID", "approval-cluster"), "NATS Streaming cluster id")
	cmd.Flags().StringVar(&clientID, "client-id", getenv("STAN_PUB_ID", "approval-publisher"), "NATS Streaming client id")
	cmd.Flags().StringVar(&natsURL, "nats-url", getenv("STAN_NATS_URL", "nats://localhost:4222"), "NATS server URL")
	cmd.Flags().StringVar(&subject, "subject", getenv("STAN_SUBJECT", "datazone.subscription.created"), "trigger subject")
	cmd.Flags().StringVar(&requestID, "request-id", "", "subscription request id")
	cmd.Flags().StringVar(&domainID, "domain-id", "", "catalog domain id")
	cmd.Flags().StringVar(&projectID, "project-id", "", "subscribing project id")
	return cmd
}

func newOccurrence(requestID, domainID, projectID string, at time.Time) domain.Occurrence {
	return domain.Occurrence{
		Source:     domain.EventSourceCatalog,
		DetailType: domain.EventTypeSubscriptionCreate,
		Time:       at,
		Detail: domain.OccurrenceDetail{
			RequestID: requestID,
			DomainID:  domainID,
			ProjectID: projectID,
		},
	}
}

func readOccurrence(r io.Reader) (domain.Occurrence, error) {
	var occ domain.Occurrence
	if err := json.NewDecoder(r).Decode(&occ); err != nil {
		return domain.Occurrence{}, fmt.Errorf("read json from stdin: %w", err)
	}
	return occ, nil
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
