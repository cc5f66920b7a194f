package models

// This file serves as the central export point for all database models
// Import this package to access all model types

// Database schema overview:
// 1. users - cookie/JWT authenticated accounts that own chat sessions
// 2. chat_sessions - one analytics conversation per session, keyed by user
// 3. turns - the ordered, append-only transcript of a session
// 4. tool_calls - every tool invocation (describe_table, run_query,
//    search_knowledge_base) recorded against its session and turn
// 5. knowledge_documents - table rules and sample queries backing the
//    knowledge retrieval index
