package session

import "fmt"

// framePrompt accompanies every per-cycle screenshot. The model is told
// to report only clues new to this frame so the conversation history
// stays useful rather than repetitive.
const framePrompt = `
Analyze this single frame from a sequence exploring a location.
Focus *only* on new, distinct visual clues visible *in this specific frame*
(e.g., specific text on a sign, unique building feature, clear landscape element).
List these specific observations briefly. Do not guess the location yet or repeat
obvious general features like 'road' or 'sky' unless they are very distinctive.
Assume I have seen previous frames.
`

// finalPrompt requests the two-part answer: free-text reasoning followed
// by a machine-readable block between the literal JSON delimiters.
const finalPrompt = `
Based on our entire conversation history, including all the frames and clues
identified previously, provide your response structured in two parts:

First, provide the textual analysis:
1.  What is the most likely country and specific region/state?
2.  Can you suggest a more specific city or area?
3.  Summarize the key evidence from *across all frames* that led to your conclusion.
4.  State your overall confidence level (High, Medium, Low).

Second, provide a JSON object containing coordinate data, enclosed strictly
between "<<<JSON_START>>>" and "<<<JSON_END>>>".
The JSON object should be a list of dictionaries, where each dictionary represents
a potential location and contains the following keys:
- "latitude": float
- "longitude": float
- "radius_km": float (estimated radius of error in kilometers)
- "confidence": string ("High", "Medium", or "Low")
- "reason": string (brief reason for suggesting this coordinate)

Provide up to 5 potential coordinate locations that are significantly distinct
(non-overlapping areas). Sort the list by "radius_km" in ascending order.

Ensure the JSON is valid. Do not include any text after "<<<JSON_END>>>".
`

func finalIntro(frameCount int) string {
	return fmt.Sprintf("Here are %d frames captured sequentially during exploration of a location. "+
		"Please analyze them together with the following request:", frameCount)
}
