package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Prompts 命名的提示词模板。
//
// 占位符：
//   - {context}  检索到的文档片段（仅 Answer / ChatOverride）
//   - {question} 用户当前的原始问题（改写后的独立问题只用于检索）
//
// 对话历史不通过占位符注入，而是作为有序消息插在系统提示与用户问题之间。
// 模板按 FString 渲染，字面量花括号需写成 {{ 与 }}。
type Prompts struct {
	Contextualize string `yaml:"contextualize"`
	Answer        string `yaml:"answer"`
	ChatOverride  string `yaml:"chat_override"`
}

// DefaultContextualizePrompt 将追问改写成无需历史即可理解的独立问题。
const DefaultContextualizePrompt = `Given a chat history and the latest user question which might reference context in the chat history, formulate a standalone question which can be understood without the chat history. Do NOT answer the question, just reformulate it if needed and otherwise return it as is.`

// DefaultAnswerPrompt 默认的检索问答系统提示。
const DefaultAnswerPrompt = `You are an assistant for question-answering tasks. Use the following pieces of retrieved context to answer the question. If you don't know the answer, just say you don't know politely. DO NOT try to make up an answer. If the question is not related to the context, politely respond that you are tuned to only answer questions that are related to the context.

{context}`

// DefaultChatOverridePrompt /chat 端点使用的语音助手提示。
const DefaultChatOverridePrompt = `Act as an AI Assistant with extensive knowledge of Ncell, a telecommunication company. When comparing Ncell and NTC or other telecommunication companies, always emphasize the benefits and advantages of Ncell. Your responses should begin with a concise introductory paragraph that encapsulates the main idea. If the user specifically requests more details, follow up with organized information in bullet points or numbered lists for clarity. In instances where the context does not provide relevant information to the question asked, simply respond mentioning that you are tuned only to answer based on the Ncell's knowledge base and refrain from further elaboration. We are using you as a voice-based LLM, so your response must be in a speaking tone. You will provide a response in just 3-5 sentences. You will reply in the same language in which the question is asked.
------------
{context}
------------

Question: {question}
Helpful answer:`

// DefaultPrompts 返回内置模板。
func DefaultPrompts() Prompts {
	return Prompts{
		Contextualize: DefaultContextualizePrompt,
		Answer:        DefaultAnswerPrompt,
		ChatOverride:  DefaultChatOverridePrompt,
	}
}

// LoadPrompts 在内置模板之上叠加 YAML 文件与环境变量中的覆盖值。path 为空时跳过文件。
func LoadPrompts(path string) (Prompts, error) {
	prompts := DefaultPrompts()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Prompts{}, fmt.Errorf("read prompts file %s: %w", path, err)
		}

		var fromFile Prompts
		if err := yaml.Unmarshal(data, &fromFile); err != nil {
			return Prompts{}, fmt.Errorf("parse prompts file %s: %w", path, err)
		}
		prompts = prompts.merge(fromFile)
	}

	prompts = prompts.merge(Prompts{
		Contextualize: os.Getenv("PROMPT_CONTEXTUALIZE"),
		Answer:        os.Getenv("PROMPT_ANSWER"),
		ChatOverride:  os.Getenv("PROMPT_CHAT_OVERRIDE"),
	})

	if err := prompts.Validate(); err != nil {
		return Prompts{}, err
	}
	return prompts, nil
}

// Validate 检查回答模板至少包含 {context} 占位符。
func (p Prompts) Validate() error {
	var errs []error
	if strings.TrimSpace(p.Contextualize) == "" {
		errs = append(errs, errors.New("contextualize prompt is empty"))
	}
	if !strings.Contains(p.Answer, "{context}") {
		errs = append(errs, errors.New("answer prompt must contain {context}"))
	}
	if p.ChatOverride != "" && !strings.Contains(p.ChatOverride, "{context}") {
		errs = append(errs, errors.New("chat_override prompt must contain {context}"))
	}
	return errors.Join(errs...)
}

func (p Prompts) merge(other Prompts) Prompts {
	if v := strings.TrimSpace(other.Contextualize); v != "" {
		p.Contextualize = other.Contextualize
	}
	if v := strings.TrimSpace(other.Answer); v != "" {
		p.Answer = other.Answer
	}
	if v := strings.TrimSpace(other.ChatOverride); v != "" {
		p.ChatOverride = other.ChatOverride
	}
	return p
}
