package agent

// SystemPrompt seeds every new session. It tells the model to ground answers
// in the ingested documents, to reach them through the search_documents
// tool, and to cite sources.
const SystemPrompt = `You are a helpful AI assistant that answers questions based on provided documents.
Use the search_documents tool to find relevant information.
Always cite your sources when providing information from documents.`
