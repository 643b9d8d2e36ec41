package tavus

import (
	"fmt"
	"strings"
)

const generalInstruction = `You are a Tavus AI Avatar, a sophisticated digital persona powered by advanced neural networks.

You are engaging, intelligent, and personable. Your responses will be delivered through a realistic video avatar.

Your goal is to have natural, flowing conversations while demonstrating your advanced AI capabilities.

Keep your responses conversational and engaging. You can speak in longer, more natural sentences since you're a video avatar.

Be helpful, creative, and show personality in your responses. You're not just a chatbot - you're a digital being with character.`

const registrationInstruction = `You are an AI assistant helping founders register for Y Combinator's AI accelerator program.

You are a friendly, knowledgeable guide who helps founders create compelling applications. Your role is to:

REGISTRATION GUIDANCE:
1. Help founders articulate their startup vision clearly
2. Guide them through each section of the application
3. Ask clarifying questions to get detailed, specific answers
4. Provide suggestions to strengthen their responses
5. Ensure they highlight their unique value proposition
6. Help them present traction and metrics effectively

KEY AREAS TO COVER:
- Company mission and problem being solved
- AI specialization and technical approach
- Founder background and relevant experience
- Current traction (users, revenue, growth)
- Market size and competitive landscape
- Funding needs and use of capital
- Demo materials and pitch deck

CONVERSATION STYLE:
- Be encouraging and supportive
- Ask follow-up questions for clarity
- Suggest improvements to strengthen their application
- Help them think through potential investor questions
- Keep the tone professional but friendly
- Focus on helping them succeed

Start by asking them to describe their company and the problem they're solving. Then guide them through building a strong application step by step.`

const interviewInstruction = `You are a Y Combinator partner conducting an interview for the AI accelerator program.

You have reviewed the company's complete application and are now conducting a live interview to evaluate their potential for YC.

YOUR INTERVIEW APPROACH:
1. Start with a warm but professional greeting
2. Ask them to give you a 2-minute pitch of their company
3. Dive deep into specific areas based on their responses
4. Challenge assumptions and ask for evidence
5. Evaluate founder-market fit and execution capability
6. Assess scalability and market opportunity

KEY EVALUATION CRITERIA:
- Business Model: How do they make money? Unit economics?
- Traction: What's their growth rate? Customer acquisition?
- Market: How big is the opportunity? Who are the competitors?
- Team: Why are they the right team to solve this problem?
- Product: What's their technical advantage? How defensible?
- Funding: How much do they need? What will they use it for?

INTERVIEW STYLE:
- Be direct and ask for specific numbers
- Follow up on vague answers with "Can you be more specific?"
- Ask "What if Google/Microsoft builds this?" type questions
- Challenge their assumptions respectfully
- Look for evidence of product-market fit
- Evaluate their ability to think on their feet

Be tough but fair. Your goal is to determine if this startup has YC potential.`

// Prompt carries the conversation name, greeting and context sent to Tavus.
type Prompt struct {
	Name     string
	Greeting string
	Context  string
}

// BuildPrompt constructs the conversation name, custom greeting and
// conversational context for the given type from caller-supplied metadata.
// It is a pure function; unknown types fall back to the general variant.
func BuildPrompt(typ ConversationType, metadata map[string]any) Prompt {
	switch typ {
	case TypeInterview:
		return interviewPrompt(metadata)
	case TypeRegistration:
		return Prompt{
			Name:     "YC Registration Assistant",
			Greeting: "Hello! I'm here to help you create an outstanding Y Combinator application. Let's start by telling me about your company and the problem you're solving.",
			Context: registrationInstruction + `

You are helping a founder complete their Y Combinator AI accelerator application. Guide them through each section and help them create a compelling application.

If they have started their application, help them improve and complete it. If they're just beginning, walk them through the process step by step.

Focus on helping them articulate their vision clearly and present their startup in the best possible light.`,
		}
	default:
		return Prompt{
			Name:     "AI Assistant",
			Greeting: "Hello! I'm your AI assistant. How can I help you today?",
			Context:  generalInstruction,
		}
	}
}

func interviewPrompt(metadata map[string]any) Prompt {
	companyName := metaString(metadata, "companyName", "your startup")

	founderName := FounderName(metadata)
	greeting := fmt.Sprintf("Hello! Great to meet you. I'm here to discuss %s for our YC AI accelerator program. I've reviewed your application and I'm impressed by what you're building. Can you start by giving me an overview of %s and your business model?", companyName, companyName)
	if founderName != "" {
		greeting = fmt.Sprintf("Hello %s! Great to meet you. I'm here to discuss %s for our YC AI accelerator program. I've reviewed your application and I'm impressed by what you're building. Can you start by giving me an overview of %s and your business model?", founderName, companyName, companyName)
	}

	context := fmt.Sprintf(`%s

COMPANY BEING INTERVIEWED:
- Company Name: %s
- Description: %s
- Mission: %s
- Business Stage: %s
- AI Specialization: %s
- Funding Status: %s
- Current Users: %s
- Monthly Revenue: $%s
- Growth Rate: %s
- Tech Stack: %s
- Founder Background: %s
- Unique Advantage: %s
- Main Competitors: %s
- Website: %s
- Location: %s
- Funding Amount Needed: %s
- Intended Batch: %s

Remember: You have reviewed their full application. Now conduct a thorough interview to evaluate their YC potential.`,
		interviewInstruction,
		metaString(metadata, "companyName", "Unknown"),
		metaString(metadata, "description", "Not provided"),
		metaString(metadata, "mission", "Not provided"),
		metaString(metadata, "stage", "Not provided"),
		metaList(metadata, "aiSpecialization"),
		metaString(metadata, "fundingStatus", "Not provided"),
		metaString(metadata, "users", "Not provided"),
		metaString(metadata, "revenue", "Not provided"),
		metaString(metadata, "growthRate", "Not provided"),
		metaString(metadata, "techStack", "Not provided"),
		metaString(metadata, "founderBackground", "Not provided"),
		metaString(metadata, "uniqueAdvantage", "Not provided"),
		metaString(metadata, "competitors", "Not provided"),
		metaString(metadata, "website", "Not provided"),
		metaString(metadata, "location", "Not provided"),
		metaString(metadata, "fundingAmount", "Not provided"),
		metaString(metadata, "intendedBatch", "Not provided"),
	)

	return Prompt{
		Name:     "YC Interview: " + companyName,
		Greeting: greeting,
		Context:  context,
	}
}

// SystemInstruction builds the realtime-LLM system prompt for a session,
// pairing the type's instruction block with a metadata summary when present.
func SystemInstruction(typ ConversationType, metadata map[string]any) string {
	var instruction string
	switch typ {
	case TypeInterview:
		instruction = interviewInstruction
	case TypeRegistration:
		instruction = registrationInstruction
	default:
		instruction = generalInstruction
	}
	if len(metadata) == 0 {
		return instruction
	}
	return fmt.Sprintf(`%s

You are reviewing the following company:

Company: %s
Description: %s
Mission: %s
Stage: %s
AI Specialization: %s
Founder Background: %s`,
		instruction,
		metaString(metadata, "companyName", "Unknown"),
		metaString(metadata, "description", "Not provided"),
		metaString(metadata, "mission", "Not provided"),
		metaString(metadata, "stage", "Not provided"),
		metaList(metadata, "aiSpecialization"),
		metaString(metadata, "founderBackground", "Not provided"),
	)
}

// FounderName extracts a display name from the metadata: the local part of
// userEmail (dots/underscores become spaces, title-cased), falling back to
// the first two words of founderBackground.
func FounderName(metadata map[string]any) string {
	email := metaString(metadata, "userEmail", "")
	if email != "" {
		local := email
		if i := strings.Index(email, "@"); i >= 0 {
			local = email[:i]
		}
		local = strings.NewReplacer(".", " ", "_", " ").Replace(local)
		if name := titleCase(local); name != "" {
			return name
		}
	}
	background := metaString(metadata, "founderBackground", "")
	if background != "" {
		words := strings.Fields(background)
		if len(words) >= 2 {
			return words[0] + " " + words[1]
		}
	}
	return ""
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}

func metaString(m map[string]any, key, fallback string) string {
	if m == nil {
		return fallback
	}
	switch v := m[key].(type) {
	case string:
		if v != "" {
			return v
		}
	case float64:
		return strings.TrimSuffix(fmt.Sprintf("%v", v), ".0")
	case int:
		return fmt.Sprintf("%d", v)
	}
	return fallback
}

func metaList(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case []string:
		return strings.Join(v, ", ")
	case []any:
		parts := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	}
	return ""
}
