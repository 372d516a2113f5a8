package i18n

import (
	"reflect"
	"sync"
)

// Language type
type Language string

const (
	LangEN Language = "en"
	LangKO Language = "ko"
)

// Messages holds all translatable strings.
type Messages struct {
	// System
	Starting           string
	ConfigLoaded       string
	UsingDBPath        string
	ServerListening    string
	ShuttingDown       string
	ConfigLoadFailed   string
	DBInitFailed       string
	DBMigrationsFailed string
	APIServerError     string
	HolidayLoadFailed  string

	// Notifications: orders
	NotifyOrderSubmittedTitle string
	NotifyOrderSubmittedBody  string
	NotifyOrderFilledTitle    string
	NotifyOrderFilledBody     string
	NotifyOrderPartialTitle   string
	NotifyOrderPartialBody    string
	NotifyOrderCancelledTitle string
	NotifyOrderCancelledBody  string
	NotifyOrderFailedTitle    string
	NotifyOrderFailedBody     string

	// Notifications: strategies
	NotifyStrategyEndedTitle    string
	NotifyStrategyEndedBody     string
	NotifyBadMarketTitle        string
	NotifyBadMarketBody         string
	NotifySellTargetTitle       string
	NotifySellTargetBody        string
	NotifyStaleCancelledTitle   string
	NotifyStaleCancelledBody    string
	NotifyPositionUpdatedTitle  string
	NotifyPositionUpdatedBody   string
	NotifySplitCompleteTitle    string
	NotifySplitCompleteBody     string
	NotifyRepairTitle           string
	NotifyRepairBody            string
	NotifyExecutionFailureTitle string
	NotifyExecutionFailureBody  string

	// Batch summaries
	ExecuteTickDone   string
	ReconcileTickDone string
}

var (
	currentLang Language = LangEN
	mu          sync.RWMutex
	messages    *Messages
)

// English messages
var messagesEN = Messages{
	Starting:           "Starting KIS trading core...",
	ConfigLoaded:       "Config loaded (Port: %s)",
	UsingDBPath:        "Using DB path: %s",
	ServerListening:    "Server listening on :%s",
	ShuttingDown:       "Shutting down gracefully...",
	ConfigLoadFailed:   "Failed to load config: %v",
	DBInitFailed:       "Failed to init database: %v",
	DBMigrationsFailed: "Failed to apply migrations: %v",
	APIServerError:     "API server error: %v",
	HolidayLoadFailed:  "Failed to load holiday calendar: %v",

	NotifyOrderSubmittedTitle: "Order submitted",
	NotifyOrderSubmittedBody:  "%s %s %s x%d @ %.2f",
	NotifyOrderFilledTitle:    "Order filled",
	NotifyOrderFilledBody:     "%s %s x%d filled @ %.2f",
	NotifyOrderPartialTitle:   "Order partially filled",
	NotifyOrderPartialBody:    "%s %s %d/%d filled @ %.2f",
	NotifyOrderCancelledTitle: "Order cancelled",
	NotifyOrderCancelledBody:  "%s %s x%d was cancelled",
	NotifyOrderFailedTitle:    "Order failed",
	NotifyOrderFailedBody:     "%s %s x%d failed: %s",

	NotifyStrategyEndedTitle:    "Strategy ended",
	NotifyStrategyEndedBody:     "Strategy %s for %s has ended",
	NotifyBadMarketTitle:        "Strategy configuration error",
	NotifyBadMarketBody:         "Strategy %s uses unsupported market %s and was ended",
	NotifySellTargetTitle:       "Target sell placed",
	NotifySellTargetBody:        "%s sell x%d resting at %.2f",
	NotifyStaleCancelledTitle:   "Stale order cleaned up",
	NotifyStaleCancelledBody:    "Order %s from a previous session was cancelled",
	NotifyPositionUpdatedTitle:  "Position updated",
	NotifyPositionUpdatedBody:   "%s avg cost %.2f, qty %d",
	NotifySplitCompleteTitle:    "Split order complete",
	NotifySplitCompleteBody:     "Split strategy for %s sold its full position",
	NotifyRepairTitle:           "Order state repaired",
	NotifyRepairBody:            "Order %s was still open at the broker and was restored",
	NotifyExecutionFailureTitle: "Strategy execution problem",
	NotifyExecutionFailureBody:  "Strategy %s: %s",

	ExecuteTickDone:   "Execute tick done: %d strategies, %d owners, %d errors (%v)",
	ReconcileTickDone: "Reconcile tick done: %d checked, %d updated, %d swept, %d errors (%v)",
}

// Korean messages
var messagesKO = Messages{
	Starting:           "KIS 트레이딩 코어 시작 중...",
	ConfigLoaded:       "설정 로드 완료 (포트: %s)",
	UsingDBPath:        "DB 경로: %s",
	ServerListening:    "서버 수신 대기 :%s",
	ShuttingDown:       "정상 종료 중...",
	ConfigLoadFailed:   "설정 로드 실패: %v",
	DBInitFailed:       "데이터베이스 초기화 실패: %v",
	DBMigrationsFailed: "마이그레이션 적용 실패: %v",
	APIServerError:     "API 서버 오류: %v",
	HolidayLoadFailed:  "휴장일 캘린더 로드 실패: %v",

	NotifyOrderSubmittedTitle: "주문 접수",
	NotifyOrderSubmittedBody:  "%s %s %s x%d @ %.2f",
	NotifyOrderFilledTitle:    "주문 체결",
	NotifyOrderFilledBody:     "%s %s x%d 체결 @ %.2f",
	NotifyOrderPartialTitle:   "주문 일부 체결",
	NotifyOrderPartialBody:    "%s %s %d/%d 체결 @ %.2f",
	NotifyOrderCancelledTitle: "주문 취소",
	NotifyOrderCancelledBody:  "%s %s x%d 주문이 취소되었습니다",
	NotifyOrderFailedTitle:    "주문 실패",
	NotifyOrderFailedBody:     "%s %s x%d 실패: %s",

	NotifyStrategyEndedTitle:    "전략 종료",
	NotifyStrategyEndedBody:     "%s 전략(%s)이 종료되었습니다",
	NotifyBadMarketTitle:        "전략 설정 오류",
	NotifyBadMarketBody:         "전략 %s: 지원하지 않는 시장 %s, 전략을 종료했습니다",
	NotifySellTargetTitle:       "목표 매도 접수",
	NotifySellTargetBody:        "%s 매도 x%d, 지정가 %.2f",
	NotifyStaleCancelledTitle:   "이월 주문 정리",
	NotifyStaleCancelledBody:    "이전 거래일 주문 %s이(가) 취소되었습니다",
	NotifyPositionUpdatedTitle:  "보유 현황 갱신",
	NotifyPositionUpdatedBody:   "%s 평균단가 %.2f, 수량 %d",
	NotifySplitCompleteTitle:    "분할 매수 완료",
	NotifySplitCompleteBody:     "%s 분할 전략이 전량 매도되었습니다",
	NotifyRepairTitle:           "주문 상태 복구",
	NotifyRepairBody:            "주문 %s이(가) 증권사에 미체결로 남아 있어 복구되었습니다",
	NotifyExecutionFailureTitle: "전략 실행 문제",
	NotifyExecutionFailureBody:  "전략 %s: %s",

	ExecuteTickDone:   "실행 배치 완료: 전략 %d건, 사용자 %d건, 오류 %d건 (%v)",
	ReconcileTickDone: "대사 배치 완료: 조회 %d건, 갱신 %d건, 정리 %d건, 오류 %d건 (%v)",
}

func init() {
	messages = &messagesEN
}

// SetLanguage sets the current language.
func SetLanguage(lang Language) {
	mu.Lock()
	defer mu.Unlock()

	currentLang = lang
	switch lang {
	case LangKO:
		messages = &messagesKO
	default:
		messages = &messagesEN
	}
}

// GetLanguage returns the current language.
func GetLanguage() Language {
	mu.RLock()
	defer mu.RUnlock()
	return currentLang
}

// M returns the current messages.
func M() *Messages {
	mu.RLock()
	defer mu.RUnlock()
	return messages
}

// Get returns a specific message by key dynamically using reflection.
func Get(key string) string {
	msg := M()
	v := reflect.ValueOf(msg).Elem()
	f := v.FieldByName(key)
	if f.IsValid() && f.Kind() == reflect.String {
		return f.String()
	}
	return key
}
