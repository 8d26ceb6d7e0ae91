// Package cli реализует административную утилиту Conveyor.
//
// # Обзор
//
// CLI работает с хранилищем напрямую (DB_DRIVER/DB_URL) через
// workload.Service, поэтому соблюдает те же правила, что и воркеры:
// валидацию, mutex key, метрики и публикацию событий.
//
// # Ключевые компоненты
//
// ## App
//
// Открытое хранилище, сервис и, если доступен, RabbitMQ. Создаётся
// лениво через AppFunc, после парсинга PersistentFlags.
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: conveyor workload list --json | jq .
//
// ## Commands
//
//   - workload: create, get, list, expired, mutex, claim, launch, running,
//     heartbeat, succeed, fail, cancel
//   - queue: poll, ack, count, stats, gc
//   - migrate, topology, watch
//
// Каждая группа создаётся через фабричную функцию (NewWorkloadCmd и т.д.),
// принимающую appFn и outputFn.
package cli
