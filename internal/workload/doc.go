// Package workload — фасад над хранилищем workloads и очередью.
//
// Service проверяет входные данные до обращения к БД, соблюдает соглашение
// о mutex key при создании, применяет переходы state machine и учитывает их
// в метриках. Несовпадение guard'а при переходе возвращается как ok == false
// и ошибкой не считается.
package workload
