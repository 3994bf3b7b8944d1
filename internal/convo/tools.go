package convo

import "clinic-scheduler/internal/completion"

// Tool names understood by the agents.
const (
	toolRegister = "enviar_dados_user"
	toolReset    = "finalizar_user"
	toolDay      = "ver_horarios_disponiveis"
	toolNext     = "exibir_proximos_horarios_flex"
	toolBook     = "agendar_consulta_1h"
	toolCancel   = "cancelar_consulta"
)

// Router answers with one of these tokens.
const (
	intentBook    = "ativar_agent_marc"
	intentCancel  = "ativar_agent_ver_cancel"
	intentHandoff = "ativar_agent_atendimento_humano"
	intentInfo    = "ativar_agent_info"
)

var (
	resetTool = completion.Function(toolReset,
		"Reinicia a conversa. Chame quando o usuário mudar de assunto, pedir para sair ou pedir algo fora do escopo deste agente.",
		`{"type":"object","properties":{}}`)

	registerTool = completion.Function(toolRegister,
		"Registra o usuário com o nome informado. Use apenas com o nome real enviado pelo usuário, nunca com placeholders.",
		`{"type":"object","properties":{"name":{"type":"string","description":"Nome completo informado pelo usuário."}},"required":["name"]}`)

	dayTool = completion.Function(toolDay,
		"Lista os horários livres de 60 minutos em uma data específica.",
		`{"type":"object","properties":{"data":{"type":"string","description":"Data no formato YYYY-MM-DD. Ex: 2031-11-20"}},"required":["data"]}`)

	nextTool = completion.Function(toolNext,
		"Mostra os próximos horários livres a partir de hoje.",
		`{"type":"object","properties":{}}`)

	bookTool = completion.Function(toolBook,
		"Agenda uma consulta de 1 hora. Chame apenas depois que o usuário escolher um horário da lista.",
		`{"type":"object","properties":{"start_time_str":{"type":"string","description":"Início em ISO 8601 com fuso. Ex: 2031-11-20T14:00:00-03:00"}},"required":["start_time_str"]}`)

	cancelTool = completion.Function(toolCancel,
		"Cancela a consulta pelo número mostrado entre colchetes na lista.",
		`{"type":"object","properties":{"numero_consulta":{"type":"integer","description":"Número da consulta (1 ou 2)."}},"required":["numero_consulta"]}`)

	registerTools    = []completion.Tool{registerTool}
	dateSearchTools  = []completion.Tool{resetTool, dayTool, nextTool}
	dateConfirmTools = []completion.Tool{resetTool, bookTool}
	cancelTools      = []completion.Tool{resetTool, cancelTool}
)
