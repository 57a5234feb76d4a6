package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/coverdesk/policy-cli/internal/dispatch"
	"github.com/coverdesk/policy-cli/internal/extract"
	"github.com/coverdesk/policy-cli/internal/model"
	"github.com/coverdesk/policy-cli/internal/store"
	"github.com/coverdesk/policy-cli/internal/task"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run one analysis task against a policy or product",
	Long: `Runs a single extraction task through the completion oracle and merges
validated fields into the target entity.

Task types:
  risk_score             score a policy's risk profile (0-100)
  policy_summary         summarize a policy document's coverage
  extract_policy_number  pull the policy number out of a document
  product_normalize      normalize a raw product listing

Examples:
  analyze --task policy_summary --policy 42 --file policy.txt
  analyze --task product_normalize --file listing.txt
  analyze --task risk_score --policy 42`,
	RunE: runAnalyze,
}

func init() {
	f := analyzeCmd.Flags()
	f.String("task", "", "task type to run (required)")
	f.String("policy", "", "target policy ID")
	f.String("product", "", "target product ID")
	f.String("file", "", "path to the document text")
	f.String("url", "", "source document URL")
	f.String("user", "", "acting user ID")
	_ = analyzeCmd.MarkFlagRequired("task")

	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	taskType, _ := cmd.Flags().GetString("task")
	policyID, _ := cmd.Flags().GetString("policy")
	productID, _ := cmd.Flags().GetString("product")
	filePath, _ := cmd.Flags().GetString("file")
	docURL, _ := cmd.Flags().GetString("url")
	userID, _ := cmd.Flags().GetString("user")

	tt := dispatch.TaskType(taskType)
	if !dispatch.ValidTaskType(tt) || tt == dispatch.TaskChat {
		return eris.Errorf("analyze: unknown task type %q", taskType)
	}

	var docText string
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return eris.Wrap(err, "analyze: read document")
		}
		docText = string(data)
	}

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	client, err := oracleClient()
	if err != nil {
		return err
	}

	entityType := targetEntity(tt)
	entityID := policyID
	if entityType == model.EntityProduct {
		entityID = productID
	}

	builder := task.NewBuilder(task.AuthContext{UserID: userID, Role: "user"})
	built, err := builder.Build(ctx, task.BuildInput{
		TaskType:     tt,
		EntityID:     entityID,
		DocumentText: docText,
		DocumentURL:  docURL,
		Placeholder:  placeholderFactory(st, entityType, userID),
	})
	if err != nil {
		if task.IsSetupError(err) {
			fmt.Println("Could not prepare the analysis. Please try again.")
		}
		return err
	}

	d := dispatch.New(client, st, cfg.Oracle)
	outcome, err := d.Dispatch(ctx, built.Task)
	if err != nil {
		fmt.Println(friendlyError(err))
		return err
	}

	applier := extract.NewApplier(st)
	var applied []string
	if entityType == model.EntityProduct {
		applied, err = applier.ApplyProduct(ctx, built.EntityID, outcome.Result)
	} else {
		applied, err = applier.ApplyPolicy(ctx, built.EntityID, outcome.Result)
	}
	if err != nil {
		fmt.Println("The analysis succeeded but its results could not be saved.")
		return err
	}

	zap.L().Info("analysis complete",
		zap.String("task", string(tt)),
		zap.String("entity_id", built.EntityID),
		zap.Strings("applied_fields", applied),
	)

	if !outcome.Result.ParseSucceeded {
		fmt.Println("The response could not be parsed as structured data; no fields were updated.")
		fmt.Println("Raw response:")
		fmt.Println(outcome.Result.RawText)
		return nil
	}
	if len(applied) == 0 {
		fmt.Println("Analysis complete. No fields passed validation.")
		return nil
	}
	fmt.Printf("Analysis complete. Updated fields: %s\n", strings.Join(applied, ", "))
	return nil
}

// targetEntity maps a task type to the entity kind its results apply to.
func targetEntity(tt dispatch.TaskType) model.EntityType {
	if tt == dispatch.TaskProductNormalize {
		return model.EntityProduct
	}
	return model.EntityPolicy
}

// placeholderFactory creates an empty target entity when the caller did not
// name one, so extraction results always have somewhere to land.
func placeholderFactory(st store.Store, et model.EntityType, userID string) task.PlaceholderFactory {
	return func(ctx context.Context) (string, error) {
		if et == model.EntityProduct {
			p, err := st.CreateProduct(ctx, model.Product{
				Name:     "Pending extraction",
				Category: string(model.CategoryOther),
				Active:   true,
			})
			if err != nil {
				return "", err
			}
			return p.ID, nil
		}
		p, err := st.CreatePolicy(ctx, model.Policy{
			UserID:   userID,
			Category: string(model.CategoryOther),
		})
		if err != nil {
			return "", err
		}
		return p.ID, nil
	}
}
