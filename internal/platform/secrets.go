package platform

import (
	"context"
	"fmt"
	"unicode"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/envforge-io/envforge/internal/orch"
)

// FetchSecret reads a secret's current value and rejects values carrying
// trailing control characters. A newline pasted into a credential at store
// time survives every copy and only surfaces as an authentication failure
// deep inside a rebuild, so the check runs at read time instead.
func (c *Clients) FetchSecret(ctx context.Context, name string) (string, error) {
	out, err := c.secretsmanagerClient.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", Classify(fmt.Sprintf("fetch secret %s", name), err)
	}
	value := aws.ToString(out.SecretString)
	if err := CheckSecretHygiene(name, value); err != nil {
		return "", err
	}
	return value, nil
}

// CheckSecretHygiene rejects empty values and values ending in control
// characters (newlines, carriage returns, tabs).
func CheckSecretHygiene(name, value string) error {
	if value == "" {
		return orch.NewFailure(orch.ClassPreconditionUnmet, fmt.Sprintf("secret %s", name),
			fmt.Errorf("secret value is empty")).
			WithGuidance(fmt.Sprintf("store a non-empty value for secret %q before retrying", name))
	}
	last := rune(value[len(value)-1])
	if unicode.IsControl(last) {
		return orch.NewFailure(orch.ClassPreconditionUnmet, fmt.Sprintf("secret %s", name),
			fmt.Errorf("secret value ends with control character %U", last)).
			WithGuidance(fmt.Sprintf("re-store secret %q without the trailing whitespace or newline", name))
	}
	return nil
}

// EnsureSecret writes a value, creating the secret if needed.
func (c *Clients) EnsureSecret(ctx context.Context, name, value string) error {
	if err := CheckSecretHygiene(name, value); err != nil {
		return err
	}
	_, err := c.secretsmanagerClient.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(name),
		SecretString: aws.String(value),
	})
	if err == nil {
		return nil
	}
	if !IsNotFound(err) {
		return Classify(fmt.Sprintf("put secret %s", name), err)
	}
	_, err = c.secretsmanagerClient.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(name),
		SecretString: aws.String(value),
	})
	if err != nil {
		return Classify(fmt.Sprintf("create secret %s", name), err)
	}
	return nil
}
