package prompts

// DefaultVisionPrompt is used when an image arrives without any text.
const DefaultVisionPrompt = "Describe this image in detail."
