// Package respond turns patient utterances into assistant replies. It calls
// the language-model provider when one is configured and falls back to
// deterministic offline text when it is not.
package respond

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fit4life/physiopipe/internal/genai"
	"github.com/fit4life/physiopipe/internal/models"
)

// Fixed user-visible fallback texts.
const (
	// OfflineMessage is returned when the provider is unconfigured.
	OfflineMessage = "I'm currently offline. Please add your OpenAI API key to enable AI features. For now, I can help you with basic pain assessment and exercise guidance."
	// RetryMessage is returned when a provider call fails.
	RetryMessage = "I'm having trouble connecting right now. Please try again later."
	// EmptyReplyMessage substitutes for an empty provider reply.
	EmptyReplyMessage = "I'm sorry, I couldn't process that. Could you please try again?"
	// OfflineExerciseMessage is the exercise recommendation fallback.
	OfflineExerciseMessage = "I can help you with some exercises. Let's start with a gentle one."
	// EmptyExerciseMessage substitutes for an empty exercise reply.
	EmptyExerciseMessage = "I'll help you with some exercises. Let me show you a safe one to start with."
)

// Provider call bounds.
const (
	responseMaxTokens   = 200
	responseTemperature = 0.7
	exerciseMaxTokens   = 300
	exerciseTemperature = 0.6
	// historyWindow bounds the number of prior messages sent per call.
	historyWindow = 10
	// minSpokenLength is the shortest reply worth speaking aloud.
	minSpokenLength = 10
)

const systemPromptTemplate = `You are Fit4Life, a professional AI physiotherapy assistant. Your role is to:

1. **Assess and Understand**: Help patients describe their pain levels (1-10) and locations
2. **Educate**: Provide clear, simple explanations about physiotherapy concepts
3. **Guide**: Suggest appropriate exercises and self-care techniques
4. **Support**: Offer encouragement and motivation for recovery
5. **Safety**: Always recommend seeking professional help for severe or persistent issues

**Key Guidelines:**
- Be empathetic, professional, and encouraging
- Use simple, clear language suitable for voice interaction
- Focus on UK NHS physiotherapy standards
- Keep responses concise but informative (2-3 sentences for voice)
- Ask follow-up questions to gather more information
- Provide actionable advice when possible

**Current Context:**
- Patient pain level: %s
- Pain location: %s
- Conversation step: %d
- Medical conditions: %s

**Response Format:**
Respond naturally as if having a conversation. Your response should be:
- Conversational and warm
- Appropriate for voice interaction
- Helpful and actionable
- Professional but approachable`

const exercisePromptTemplate = `Based on the patient's pain level %d/10 and location "%s", suggest 1-2 appropriate exercises.

Guidelines:
- Pain level 1-3: Gentle stretching and mobility exercises
- Pain level 4-6: Moderate strengthening with proper form
- Pain level 7-10: Rest, gentle movement, and professional consultation

Location-specific considerations:
- Neck: Gentle neck stretches, shoulder rolls
- Back: Cat-cow stretches, gentle core exercises
- Shoulder: Range of motion exercises, wall slides
- Knee: Quad sets, gentle leg raises
- Hip: Hip flexor stretches, gentle squats

Provide:
1. Exercise name and description
2. How to perform it safely
3. Expected benefits
4. When to stop (pain increase, etc.)

Keep it conversational and encouraging.`

// Generator produces assistant replies. A nil provider client puts the
// generator permanently in offline mode.
type Generator struct {
	client genai.ClientInterface
}

// NewGenerator creates a response generator. Pass a nil client for offline
// operation.
func NewGenerator(client genai.ClientInterface) *Generator {
	slog.Debug("respond.NewGenerator: creating generator", "providerConfigured", client != nil)
	return &Generator{client: client}
}

// IsAvailable reports whether the provider is configured. It never performs
// a network call.
func (g *Generator) IsAvailable() bool {
	return g.client != nil
}

// GenerateResponse produces the assistant reply for one turn. Provider
// failures are converted into a fixed retry message rather than an error;
// only context cancellation surfaces as an error.
func (g *Generator) GenerateResponse(ctx context.Context, userMessage string, convCtx models.ConversationContext) (models.PhysioResponse, error) {
	if !g.IsAvailable() {
		slog.Debug("respond.GenerateResponse: provider unconfigured, returning offline message")
		return models.PhysioResponse{Text: OfflineMessage, ShouldSpeak: false, Confidence: 0.0}, nil
	}

	req := genai.ChatRequest{
		SystemPrompt: g.buildSystemPrompt(convCtx),
		History:      boundedHistory(convCtx.Messages),
		UserMessage:  userMessage,
		MaxTokens:    responseMaxTokens,
		Temperature:  responseTemperature,
	}

	result, err := g.client.Generate(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return models.PhysioResponse{}, ctx.Err()
		}
		slog.Error("respond.GenerateResponse: provider call failed", "error", err)
		return models.PhysioResponse{Text: RetryMessage, ShouldSpeak: false, Confidence: 0.0}, nil
	}

	text := result.Text
	if text == "" {
		text = EmptyReplyMessage
	}

	confidence := 0.7
	if result.FinishReason == genai.FinishReasonStop {
		confidence = 0.9
	}

	nextStep := nextStepFor(convCtx, userMessage)
	slog.Debug("respond.GenerateResponse: generated reply",
		"responseLength", len(text), "confidence", confidence, "shouldSpeak", shouldSpeak(text), "nextStep", nextStep)
	return models.PhysioResponse{
		Text:        text,
		ShouldSpeak: shouldSpeak(text),
		Confidence:  confidence,
		NextStep:    models.IntPtr(nextStep),
	}, nil
}

// GenerateExerciseRecommendation produces a one-shot exercise suggestion
// with no conversation history.
func (g *Generator) GenerateExerciseRecommendation(ctx context.Context, painLevel int, painLocation string) (models.PhysioResponse, error) {
	if !g.IsAvailable() {
		slog.Debug("respond.GenerateExerciseRecommendation: provider unconfigured, returning offline message")
		return models.PhysioResponse{Text: OfflineExerciseMessage, ShouldSpeak: true, Confidence: 0.7}, nil
	}

	req := genai.ChatRequest{
		SystemPrompt: fmt.Sprintf(exercisePromptTemplate, painLevel, painLocation),
		MaxTokens:    exerciseMaxTokens,
		Temperature:  exerciseTemperature,
	}

	result, err := g.client.Generate(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return models.PhysioResponse{}, ctx.Err()
		}
		slog.Error("respond.GenerateExerciseRecommendation: provider call failed", "error", err)
		return models.PhysioResponse{Text: OfflineExerciseMessage, ShouldSpeak: true, Confidence: 0.7}, nil
	}

	text := result.Text
	if text == "" {
		text = EmptyExerciseMessage
	}
	return models.PhysioResponse{
		Text:        text,
		ShouldSpeak: true,
		Confidence:  0.9,
		NextStep:    models.IntPtr(models.StepExerciseReady),
	}, nil
}

// buildSystemPrompt interpolates the patient's structured info into the
// persona instruction.
func (g *Generator) buildSystemPrompt(convCtx models.ConversationContext) string {
	painLevel := "Not assessed"
	painLocation := "Not specified"
	conditions := "None mentioned"
	if info := convCtx.PatientInfo; info != nil {
		if info.PainLevel != nil {
			painLevel = fmt.Sprintf("%d", *info.PainLevel)
		}
		if info.PainLocation != nil {
			painLocation = *info.PainLocation
		}
		if len(info.MedicalConditions) > 0 {
			conditions = strings.Join(info.MedicalConditions, ", ")
		}
	}
	return fmt.Sprintf(systemPromptTemplate, painLevel, painLocation, convCtx.CurrentStep, conditions)
}

// boundedHistory returns the last historyWindow messages.
func boundedHistory(messages []models.ContextMessage) []models.ContextMessage {
	if len(messages) > historyWindow {
		return messages[len(messages)-historyWindow:]
	}
	return messages
}

// shouldSpeak decides whether a reply is worth speaking aloud. Apologetic,
// very short, or error-bearing replies stay silent.
func shouldSpeak(text string) bool {
	return !strings.Contains(strings.ToLower(text), "sorry") &&
		len(text) > minSpokenLength &&
		!strings.Contains(text, "error")
}

// nextStepFor advances 0 to 1 once a pain level is known, and 1 to 2 once
// the patient mentions exercise. Otherwise the step is unchanged.
func nextStepFor(convCtx models.ConversationContext, userMessage string) int {
	switch {
	case convCtx.CurrentStep == models.StepIntake &&
		convCtx.PatientInfo != nil && convCtx.PatientInfo.PainLevel != nil:
		return models.StepInformational
	case convCtx.CurrentStep == models.StepInformational &&
		strings.Contains(strings.ToLower(userMessage), "exercise"):
		return models.StepExerciseReady
	default:
		return convCtx.CurrentStep
	}
}
