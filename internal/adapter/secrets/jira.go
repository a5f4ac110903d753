package secrets

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/example/subscription-approval/internal/domain"
)

type API interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// JiraCredential — учётные данные Jira, хранящиеся в секрете как {"Admin": ..., "Token": ...}.
type JiraCredential struct {
	Username string `json:"Admin"`
	Token    string `json:"Token"`
}

func LoadJiraCredential(ctx context.Context, api API, secretID string) (JiraCredential, error) {
	out, err := api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(secretID)})
	if err != nil {
		return JiraCredential{}, domain.Credential("load jira secret", err)
	}
	var c JiraCredential
	if err := json.Unmarshal([]byte(aws.ToString(out.SecretString)), &c); err != nil {
		return JiraCredential{}, domain.Configuration("load jira secret", fmt.Errorf("decode secret %s: %w", secretID, err))
	}
	if c.Username == "" || c.Token == "" {
		return JiraCredential{}, domain.Configuration("load jira secret", fmt.Errorf("secret %s has no Admin or Token", secretID))
	}
	return c, nil
}
