// Package biz 实现文档问答的业务核心：检索器、提示词组合、生成请求组装、
// 会话状态机与会话管理器。
//
// 一次提交的流程：
//
//	query -> Composer.Compose -> Retriever.Retrieve(embed + top-K)
//	      -> GenerationRequest(system prompt, 历史, 上下文, 指令) -> Generator
//
// 核心层不做重试；重试与熔断由 pkg/llm/resilience 在调用方包装。
package biz
