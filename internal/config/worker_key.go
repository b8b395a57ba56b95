package config

type WorkerKeyStruct struct {
	PersistResponsesQueue     string
	PersistViolationsQueue    string
	PersistQuestionOrderQueue string
}

var WorkerKey = &WorkerKeyStruct{
	PersistResponsesQueue:     "persist_responses_queue",
	PersistViolationsQueue:    "persist_violations_queue",
	PersistQuestionOrderQueue: "persist_question_order_queue",
}
