package reasoning

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/ai/azopenai"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
)

// AzureReasoner sends diagnosis prompts to an Azure OpenAI deployment.
type AzureReasoner struct {
	client       *azopenai.Client
	deploymentID string
}

// NewAzureReasoner creates a reasoner bound to one Azure OpenAI deployment.
func NewAzureReasoner(endpoint, apiKey, deploymentID string) (*AzureReasoner, error) {
	keyCredential := azcore.NewKeyCredential(apiKey)
	client, err := azopenai.NewClientWithKeyCredential(endpoint, keyCredential, nil)
	if err != nil {
		return nil, fmt.Errorf("create azure openai client: %w", err)
	}
	return &AzureReasoner{
		client:       client,
		deploymentID: deploymentID,
	}, nil
}

// Diagnose implements Reasoner.
func (r *AzureReasoner) Diagnose(ctx context.Context, prompt string) (string, error) {
	resp, err := r.client.GetChatCompletions(
		ctx,
		azopenai.ChatCompletionsOptions{
			DeploymentName: to.Ptr(r.deploymentID),
			Messages: []azopenai.ChatRequestMessageClassification{
				&azopenai.ChatRequestSystemMessage{
					Content: azopenai.NewChatRequestSystemMessageContent(systemPrompt),
				},
				&azopenai.ChatRequestUserMessage{
					Content: azopenai.NewChatRequestUserMessageContent(prompt),
				},
			},
			Temperature: to.Ptr[float32](0.1),
		},
		nil,
	)
	if err != nil {
		return "", fmt.Errorf("azure openai chat completion: %w", err)
	}

	if len(resp.Choices) > 0 && resp.Choices[0].Message != nil && resp.Choices[0].Message.Content != nil {
		return *resp.Choices[0].Message.Content, nil
	}

	return "", ErrEmptyResponse
}
