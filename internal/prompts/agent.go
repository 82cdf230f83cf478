package prompts

// EmptyResponseFallback is shown to the user when the model finishes a
// turn without any text.
const EmptyResponseFallback = "I processed your request but wasn't able to compose a response. Please try again."
